package applications

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"onboarding-crm/internal/common/database"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/models"
)

var (
	ErrApplicationNotFound = errors.New("APPLICATION_NOT_FOUND")
	ErrProspectNotFound    = errors.New("PROSPECT_NOT_FOUND")
	ErrInvalidTransition   = errors.New("INVALID_TRANSITION")
	ErrDatabase            = errors.New("DATABASE_ERROR")
)

var columnNames = []string{
	"id", "prospect_id", "acquirer_id", "template_id", "status", "application_data",
	"submitted_at", "approved_at", "rejected_at", "rejection_reason", "generated_pdf_path",
	"created_at", "updated_at",
}

var applicationColumns = strings.Join(columnNames, ", ")

func qualifiedColumns(alias string) string {
	cols := make([]string, len(columnNames))
	for i, c := range columnNames {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// Patch is a raw data update. Nil fields are left unchanged.
type Patch struct {
	ApplicationData  map[string]interface{}
	GeneratedPDFPath *string
}

// Store persists prospect applications in one environment's database. It
// enforces no workflow rules; status only changes through Transition.
type Store struct {
	db     database.DBTX
	logger logger.Logger
	now    func() time.Time
}

// NewStore creates an application store over db.
func NewStore(db database.DBTX, log logger.Logger) *Store {
	return &Store{db: db, logger: log, now: time.Now}
}

// Get loads one application by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ProspectApplication, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM prospect_applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get application: %v", ErrDatabase, err)
	}
	return app, nil
}

// Create inserts a draft with every transition timestamp unset.
func (s *Store) Create(ctx context.Context, prospectID, acquirerID, templateID string) (*models.ProspectApplication, error) {
	now := s.now().UTC()
	app := &models.ProspectApplication{
		ID:              uuid.New().String(),
		ProspectID:      prospectID,
		AcquirerID:      acquirerID,
		TemplateID:      templateID,
		Status:          models.StatusDraft,
		ApplicationData: map[string]interface{}{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospect_applications (id, prospect_id, acquirer_id, template_id, status, application_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)`,
		app.ID, app.ProspectID, app.AcquirerID, app.TemplateID, string(app.Status), "{}", now,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s", ErrProspectNotFound, prospectID)
		}
		return nil, fmt.Errorf("%w: insert application: %v", ErrDatabase, err)
	}
	return app, nil
}

// Update writes raw fields without looking at status.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (*models.ProspectApplication, error) {
	data, err := jsonParam(patch.ApplicationData)
	if err != nil {
		return nil, err
	}
	var pdfPath interface{}
	if patch.GeneratedPDFPath != nil {
		pdfPath = *patch.GeneratedPDFPath
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE prospect_applications SET
			application_data = COALESCE($2::jsonb, application_data),
			generated_pdf_path = COALESCE($3, generated_pdf_path),
			updated_at = $4
		WHERE id = $1
		RETURNING `+applicationColumns,
		id, data, pdfPath, s.now().UTC(),
	)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update application: %v", ErrDatabase, err)
	}
	return app, nil
}

// UpdateDataIfStatus replaces application data only while the row is in one
// of the given statuses. Zero matching rows yields ErrInvalidTransition.
func (s *Store) UpdateDataIfStatus(ctx context.Context, id string, data map[string]interface{}, statuses ...models.ApplicationStatus) (*models.ProspectApplication, error) {
	if data == nil {
		data = map[string]interface{}{}
	}
	encoded, err := jsonParam(data)
	if err != nil {
		return nil, err
	}
	allowed := make([]string, len(statuses))
	for i, st := range statuses {
		allowed[i] = string(st)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE prospect_applications SET application_data = $2::jsonb, updated_at = $3
		WHERE id = $1 AND status = ANY($4)
		RETURNING `+applicationColumns,
		id, encoded, s.now().UTC(), pq.Array(allowed),
	)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not editable", ErrInvalidTransition, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update application data: %v", ErrDatabase, err)
	}
	return app, nil
}

// Transition moves the row from one status to another in a single
// conditional update and stamps the timestamp belonging to the target. If
// the row is no longer in from, nothing changes and ErrInvalidTransition is
// returned.
func (s *Store) Transition(ctx context.Context, id string, from, to models.ApplicationStatus, rejectionReason *string) (*models.ProspectApplication, error) {
	var set string
	args := []interface{}{id, string(from), string(to), s.now().UTC()}

	switch to {
	case models.StatusInProgress:
		set = `status = $3, updated_at = $4`
	case models.StatusSubmitted:
		set = `status = $3, submitted_at = $4, updated_at = $4`
	case models.StatusApproved:
		set = `status = $3, approved_at = $4, updated_at = $4`
	case models.StatusRejected:
		set = `status = $3, rejected_at = $4, rejection_reason = $5, updated_at = $4`
		var reason interface{}
		if rejectionReason != nil {
			reason = *rejectionReason
		}
		args = append(args, reason)
	default:
		return nil, fmt.Errorf("%w: unsupported target status %q", ErrInvalidTransition, to)
	}

	row := s.db.QueryRowContext(ctx,
		`UPDATE prospect_applications SET `+set+` WHERE id = $1 AND status = $2 RETURNING `+applicationColumns,
		args...,
	)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, id, from)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: transition application: %v", ErrDatabase, err)
	}
	return app, nil
}

// ListByProspect returns the applications filed for a prospect, newest first.
func (s *Store) ListByProspect(ctx context.Context, prospectID string) ([]models.ProspectApplication, error) {
	return s.list(ctx,
		`SELECT `+applicationColumns+` FROM prospect_applications WHERE prospect_id = $1 ORDER BY created_at DESC`,
		prospectID)
}

// ListByAgent returns the applications of every prospect assigned to the agent.
func (s *Store) ListByAgent(ctx context.Context, agentID string) ([]models.ProspectApplication, error) {
	return s.list(ctx,
		`SELECT `+qualifiedColumns("a")+` FROM prospect_applications a
		JOIN prospects p ON p.id = a.prospect_id
		WHERE p.agent_id = $1
		ORDER BY a.created_at DESC`,
		agentID)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]models.ProspectApplication, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list applications: %v", ErrDatabase, err)
	}
	defer rows.Close()

	out := []models.ProspectApplication{}
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan application: %v", ErrDatabase, err)
		}
		out = append(out, *app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list applications: %v", ErrDatabase, err)
	}
	return out, nil
}

// RecordAudit writes a best-effort audit row; failures are logged only.
func (s *Store) RecordAudit(ctx context.Context, eventType, applicationID, actor string, details map[string]interface{}) {
	payload, err := json.Marshal(details)
	if err != nil {
		payload = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_log (event_type, resource_type, resource_id, actor, details, created_at)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		eventType, "prospect_application", applicationID, actor, string(payload), s.now().UTC(),
	)
	if err != nil {
		s.logger.Warn("Failed to create audit log", map[string]interface{}{
			"error":         err.Error(),
			"eventType":     eventType,
			"applicationId": applicationID,
		})
	}
}

func jsonParam(v map[string]interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode application data: %w", err)
	}
	return string(b), nil
}

func scanApplication(row scanner) (*models.ProspectApplication, error) {
	var (
		app                            models.ProspectApplication
		status                         string
		data                           []byte
		submittedAt, approvedAt, rejAt sql.NullTime
		rejectionReason, generatedPath sql.NullString
	)
	err := row.Scan(
		&app.ID, &app.ProspectID, &app.AcquirerID, &app.TemplateID, &status, &data,
		&submittedAt, &approvedAt, &rejAt, &rejectionReason, &generatedPath,
		&app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	app.Status = models.ApplicationStatus(status)
	app.ApplicationData = map[string]interface{}{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &app.ApplicationData); err != nil {
			return nil, fmt.Errorf("decode application_data: %w", err)
		}
	}
	app.SubmittedAt = timePtr(submittedAt)
	app.ApprovedAt = timePtr(approvedAt)
	app.RejectedAt = timePtr(rejAt)
	app.RejectionReason = stringPtr(rejectionReason)
	app.GeneratedPDFPath = stringPtr(generatedPath)
	return &app, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}
