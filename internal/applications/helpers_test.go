package applications

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"onboarding-crm/internal/common/environment"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/observability"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/models"
	"onboarding-crm/pkg/registry"
)

// ==========================
// Test Helper Functions
// ==========================

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var (
	adminCaller = models.Caller{UserID: "user-admin", Role: models.RoleAdmin}
	agentCaller = models.Caller{UserID: "user-agent", Role: models.RoleAgent}
	otherAgent  = models.Caller{UserID: "user-other", Role: models.RoleAgent}
)

type fakeConns struct {
	mu   sync.Mutex
	dbs  map[environment.Environment]*sql.DB
	seen []environment.Environment
}

func (f *fakeConns) Conn(_ context.Context, env environment.Environment) (*sql.DB, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, env)
	return f.dbs[env], nil
}

type fakeCatalog map[string]*registry.Template

func (c fakeCatalog) Template(id string) (*registry.Template, bool) {
	t, ok := c[id]
	return t, ok
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

type harness struct {
	ctl       *Controller
	mock      sqlmock.Sqlmock
	conns     *fakeConns
	publisher *recordingPublisher
	ctx       context.Context
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conns := &fakeConns{dbs: map[environment.Environment]*sql.DB{environment.Test: db}}
	pub := &recordingPublisher{}
	catalog := fakeCatalog{
		"tmpl-basic": {ID: "tmpl-basic", AcquirerID: "acq-1", DisplayName: "Basic"},
	}
	ctl := NewController(conns, catalog, pub, observability.NewNoop(), logger.NewNoOpLogger())

	ctx := environment.WithResolution(context.Background(), environment.Resolution{Environment: environment.Test})
	return &harness{ctl: ctl, mock: mock, conns: conns, publisher: pub, ctx: ctx}
}

func newStoreMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db, logger.NewNoOpLogger())
	store.now = func() time.Time { return testNow }
	return store, mock
}

func applicationRows() *sqlmock.Rows {
	return sqlmock.NewRows(columnNames)
}

type appRow struct {
	id          string
	status      models.ApplicationStatus
	data        string
	submittedAt interface{}
	approvedAt  interface{}
	rejectedAt  interface{}
	reason      interface{}
}

func (r appRow) add(rows *sqlmock.Rows) *sqlmock.Rows {
	data := r.data
	if data == "" {
		data = "{}"
	}
	return rows.AddRow(
		r.id, "prospect-1", "acq-1", "tmpl-basic", string(r.status), []byte(data),
		r.submittedAt, r.approvedAt, r.rejectedAt, r.reason, nil,
		testNow, testNow,
	)
}

func rowWith(id string, status models.ApplicationStatus) *sqlmock.Rows {
	return appRow{id: id, status: status}.add(applicationRows())
}

const (
	selectApplication = `SELECT .* FROM prospect_applications WHERE id = \$1`
	selectProspect    = `SELECT .* FROM prospects WHERE id = \$1`
	selectAgent       = `SELECT id, user_id, name, email, phone FROM agents WHERE id = \$1`
	insertAudit       = `INSERT INTO audit_log`
)

func prospectRows(agentID interface{}, token string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "phone", "form_data", "agent_id", "validation_token", "created_at", "updated_at"}).
		AddRow("prospect-1", "Acme LLC", "ops@acme.test", "", nil, agentID, token, testNow, testNow)
}

func agentRows(userID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "name", "email", "phone"}).
		AddRow("agent-1", userID, "Alex Agent", "alex@crm.test", "")
}

// expectOwnership queues the prospect and agent lookups for prospect-1
// assigned to agent-1, which belongs to agentCaller.
func (h *harness) expectOwnership() {
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows("agent-1", "tok-1"))
	h.mock.ExpectQuery(selectAgent).WithArgs("agent-1").WillReturnRows(agentRows(agentCaller.UserID))
}

func (h *harness) expectAudit() {
	h.mock.ExpectExec(insertAudit).WillReturnResult(sqlmock.NewResult(1, 1))
}
