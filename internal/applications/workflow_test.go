package applications

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/models"
)

const (
	startUpdate   = `UPDATE prospect_applications SET status = \$3, updated_at = \$4 WHERE id = \$1 AND status = \$2`
	submitUpdate  = `UPDATE prospect_applications SET status = \$3, submitted_at = \$4`
	approveUpdate = `UPDATE prospect_applications SET status = \$3, approved_at = \$4`
	rejectUpdate  = `UPDATE prospect_applications SET status = \$3, rejected_at = \$4`
	dataUpdate    = `SET application_data = \$2::jsonb, updated_at = \$3\s+WHERE id = \$1 AND status = ANY\(\$4\)`
)

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.CodeOf(err), err.Error())
}

// ==========================
// Start / Submit
// ==========================

func TestController_StartByOwningAgent(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusDraft))
	h.expectOwnership()
	h.mock.ExpectQuery(startUpdate).
		WithArgs("app-1", "draft", "in_progress", sqlmock.AnyArg()).
		WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectAudit()

	app, err := h.ctl.Start(h.ctx, agentCaller, "app-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, app.Status)
	assert.Nil(t, app.SubmittedAt)
	assert.Nil(t, app.ApprovedAt)
	assert.Nil(t, app.RejectedAt)

	assert.Equal(t, []events.Type{events.ApplicationStarted}, h.publisher.types())
	assert.Equal(t, "test", h.publisher.events[0].Environment)
	assert.Equal(t, []environment.Environment{environment.Test}, h.conns.seen)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_StartTwiceIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectOwnership()

	_, err := h.ctl.Start(h.ctx, agentCaller, "app-1")
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	assert.Empty(t, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_StartByOtherAgentIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusDraft))
	h.expectOwnership()

	_, err := h.ctl.Start(h.ctx, otherAgent, "app-1")
	assertCode(t, err, apperrors.ErrCodeForbidden)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_UnassignedProspectForbidsAgents(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusDraft))
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows(nil, "tok-1"))

	_, err := h.ctl.Start(h.ctx, agentCaller, "app-1")
	assertCode(t, err, apperrors.ErrCodeForbidden)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_AdminBypassesOwnership(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusDraft))
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows(nil, "tok-1"))
	h.mock.ExpectQuery(startUpdate).WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectAudit()

	_, err := h.ctl.Start(h.ctx, adminCaller, "app-1")
	require.NoError(t, err)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_NotFoundBeforeOwnership(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("missing").WillReturnRows(applicationRows())

	_, err := h.ctl.Start(h.ctx, otherAgent, "missing")
	assertCode(t, err, apperrors.ErrCodeNotFound)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_ForbiddenBeforeStatus(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusApproved))
	h.expectOwnership()

	_, err := h.ctl.Submit(h.ctx, otherAgent, "app-1", nil)
	assertCode(t, err, apperrors.ErrCodeForbidden)
}

// A concurrent transition wins between the read and the conditional update.
func TestController_LostRaceIsInvalidTransition(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectOwnership()
	h.mock.ExpectQuery(submitUpdate).WillReturnRows(applicationRows())
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusSubmitted))

	_, err := h.ctl.Submit(h.ctx, agentCaller, "app-1", nil)
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)

	stdErr, _ := apperrors.As(err)
	assert.Equal(t, "submitted", stdErr.Metadata["status"])
	assert.Empty(t, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_SubmitWithDataIsTransactional(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectOwnership()
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(dataUpdate).
		WithArgs("app-1", `{"companyName":"Acme"}`, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(appRow{id: "app-1", status: models.StatusInProgress, data: `{"companyName":"Acme"}`}.add(applicationRows()))
	h.mock.ExpectQuery(submitUpdate).
		WithArgs("app-1", "in_progress", "submitted", sqlmock.AnyArg()).
		WillReturnRows(appRow{id: "app-1", status: models.StatusSubmitted, data: `{"companyName":"Acme"}`, submittedAt: testNow}.add(applicationRows()))
	h.mock.ExpectCommit()
	h.expectAudit()

	app, err := h.ctl.Submit(h.ctx, agentCaller, "app-1", map[string]interface{}{"companyName": "Acme"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, app.Status)
	require.NotNil(t, app.SubmittedAt)
	assert.Equal(t, "Acme", app.ApplicationData["companyName"])
	assert.Equal(t, []events.Type{events.ApplicationSubmitted}, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_SubmitWithDataRollsBackOnConflict(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectOwnership()
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(dataUpdate).WillReturnRows(applicationRows())
	h.mock.ExpectRollback()
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusSubmitted))

	_, err := h.ctl.Submit(h.ctx, agentCaller, "app-1", map[string]interface{}{"companyName": "Acme"})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// ==========================
// Approve / Reject
// ==========================

func TestController_ApproveRequiresAdmin(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusSubmitted))

	_, err := h.ctl.Approve(h.ctx, agentCaller, "app-1")
	assertCode(t, err, apperrors.ErrCodeForbidden)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_RejectStoresReason(t *testing.T) {
	h := newHarness(t)
	reason := "missing bank letter"
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusSubmitted))
	h.mock.ExpectQuery(rejectUpdate).
		WithArgs("app-1", "submitted", "rejected", sqlmock.AnyArg(), reason).
		WillReturnRows(appRow{id: "app-1", status: models.StatusRejected, submittedAt: testNow, rejectedAt: testNow, reason: reason}.add(applicationRows()))
	h.expectAudit()

	app, err := h.ctl.Reject(h.ctx, adminCaller, "app-1", &reason)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, app.Status)
	assert.NotNil(t, app.RejectedAt)
	assert.Nil(t, app.ApprovedAt)
	assert.Equal(t, []events.Type{events.ApplicationRejected}, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_ApproveAfterRejectIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusRejected))

	_, err := h.ctl.Approve(h.ctx, adminCaller, "app-1")
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// ==========================
// End-to-end flows
// ==========================

// create -> start -> submit -> approve leaves approvedAt set and rejectedAt null.
func TestController_HappyPath(t *testing.T) {
	h := newHarness(t)

	h.expectOwnership()
	h.mock.ExpectExec(`INSERT INTO prospect_applications`).WillReturnResult(sqlmock.NewResult(1, 1))
	h.expectAudit()

	created, err := h.ctl.Create(h.ctx, agentCaller, "prospect-1", "acq-1", "tmpl-basic")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, created.Status)
	id := created.ID

	h.mock.ExpectQuery(selectApplication).WithArgs(id).WillReturnRows(rowWith(id, models.StatusDraft))
	h.expectOwnership()
	h.mock.ExpectQuery(startUpdate).WillReturnRows(rowWith(id, models.StatusInProgress))
	h.expectAudit()
	started, err := h.ctl.Start(h.ctx, agentCaller, id)
	require.NoError(t, err)
	assert.Nil(t, started.SubmittedAt)

	h.mock.ExpectQuery(selectApplication).WithArgs(id).WillReturnRows(rowWith(id, models.StatusInProgress))
	h.expectOwnership()
	h.mock.ExpectQuery(submitUpdate).WillReturnRows(appRow{id: id, status: models.StatusSubmitted, submittedAt: testNow}.add(applicationRows()))
	h.expectAudit()
	submitted, err := h.ctl.Submit(h.ctx, agentCaller, id, nil)
	require.NoError(t, err)
	assert.NotNil(t, submitted.SubmittedAt)

	h.mock.ExpectQuery(selectApplication).WithArgs(id).WillReturnRows(appRow{id: id, status: models.StatusSubmitted, submittedAt: testNow}.add(applicationRows()))
	h.mock.ExpectQuery(approveUpdate).WillReturnRows(appRow{id: id, status: models.StatusApproved, submittedAt: testNow, approvedAt: testNow}.add(applicationRows()))
	h.expectAudit()
	approved, err := h.ctl.Approve(h.ctx, adminCaller, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Nil(t, approved.RejectedAt)

	assert.Equal(t, []events.Type{
		events.ApplicationCreated,
		events.ApplicationStarted,
		events.ApplicationSubmitted,
		events.ApplicationApproved,
	}, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// submit while still in draft is refused and nothing is written.
func TestController_SubmitFromDraftIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusDraft))
	h.expectOwnership()

	_, err := h.ctl.Submit(h.ctx, agentCaller, "app-1", map[string]interface{}{"companyName": "Acme"})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

// ==========================
// Supplementary operations
// ==========================

func TestController_CreateUnknownTemplate(t *testing.T) {
	h := newHarness(t)
	h.expectOwnership()

	_, err := h.ctl.Create(h.ctx, agentCaller, "prospect-1", "acq-1", "tmpl-missing")
	assertCode(t, err, apperrors.ErrCodeNotFound)
}

func TestController_CreateTemplateFromOtherAcquirer(t *testing.T) {
	h := newHarness(t)
	h.expectOwnership()

	_, err := h.ctl.Create(h.ctx, agentCaller, "prospect-1", "acq-2", "tmpl-basic")
	assertCode(t, err, apperrors.ErrCodeBadRequest)
}

func TestController_SaveDraftRefusesSubmitted(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusSubmitted))
	h.expectOwnership()

	_, err := h.ctl.SaveDraft(h.ctx, agentCaller, "app-1", map[string]interface{}{"city": "Austin"})
	assertCode(t, err, apperrors.ErrCodeInvalidTransition)
}

func TestController_ListByAgentForOtherUserIsForbidden(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectAgent).WithArgs("agent-1").WillReturnRows(agentRows(agentCaller.UserID))

	_, err := h.ctl.ListByAgent(h.ctx, otherAgent, "agent-1")
	assertCode(t, err, apperrors.ErrCodeForbidden)
}

func TestController_RequiresResolvedEnvironment(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Get(context.Background(), adminCaller, "app-1")
	assertCode(t, err, apperrors.ErrCodeInternal)
	assert.Empty(t, h.conns.seen)
}

func ownerRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "prospect_id", "name", "email", "ownership_percentage", "signature_token", "created_at"}).
		AddRow("owner-1", "prospect-1", "Ann", "ann@acme.test", "100.00", "sig-tok", testNow)
}

func signatureRows(ownerIDs ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "prospect_id", "owner_id", "signature", "signature_type", "signature_token", "submitted_at"})
	for i, id := range ownerIDs {
		rows.AddRow("sig-"+string(rune('a'+i)), "prospect-1", id, "Ann", "typed", "sig-tok", testNow)
	}
	return rows
}

func TestController_SubmitAsProspectWrongToken(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows("agent-1", "tok-1"))

	_, err := h.ctl.SubmitAsProspect(h.ctx, "app-1", "tok-2", nil)
	assertCode(t, err, apperrors.ErrCodeForbidden)
}

func TestController_SubmitAsProspectIncomplete(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows("agent-1", "tok-1"))
	h.mock.ExpectQuery(`FROM prospect_owners WHERE prospect_id`).WillReturnRows(ownerRows())
	h.mock.ExpectQuery(`FROM prospect_signatures WHERE prospect_id`).WillReturnRows(signatureRows())

	data := completeForm()
	data["owners"] = []interface{}{map[string]interface{}{"email": "ann@acme.test", "ownerPercentage": "100"}}

	_, err := h.ctl.SubmitAsProspect(h.ctx, "app-1", "tok-1", data)
	assertCode(t, err, apperrors.ErrCodeValidationFailed)

	stdErr, _ := apperrors.As(err)
	assert.Equal(t, []string{"ann@acme.test"}, stdErr.Metadata["missingSignatures"])
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_SubmitAsProspectComplete(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.mock.ExpectQuery(selectProspect).WithArgs("prospect-1").WillReturnRows(prospectRows("agent-1", "tok-1"))
	h.mock.ExpectQuery(`FROM prospect_owners WHERE prospect_id`).WillReturnRows(ownerRows())
	h.mock.ExpectQuery(`FROM prospect_signatures WHERE prospect_id`).WillReturnRows(signatureRows("owner-1"))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(dataUpdate).WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.mock.ExpectQuery(submitUpdate).WillReturnRows(appRow{id: "app-1", status: models.StatusSubmitted, submittedAt: testNow}.add(applicationRows()))
	h.mock.ExpectCommit()
	h.expectAudit()

	data := completeForm()
	data["owners"] = []interface{}{map[string]interface{}{"email": "ann@acme.test", "ownerPercentage": "100"}}

	app, err := h.ctl.SubmitAsProspect(h.ctx, "app-1", "tok-1", data)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSubmitted, app.Status)
	require.Len(t, h.publisher.events, 1)
	assert.Equal(t, "prospect:prospect-1", h.publisher.events[0].Actor)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_EvaluateAppliesTemplateRequirements(t *testing.T) {
	h := newHarness(t)
	h.ctl.catalog = fakeCatalog{
		"tmpl-basic": {ID: "tmpl-basic", AcquirerID: "acq-1", RequiredFields: []string{"bankRoutingNumber", "companyName"}},
	}
	h.mock.ExpectQuery(selectApplication).WithArgs("app-1").WillReturnRows(rowWith("app-1", models.StatusInProgress))
	h.expectOwnership()
	h.mock.ExpectQuery(`FROM prospect_owners WHERE prospect_id`).WillReturnRows(ownerRows())
	h.mock.ExpectQuery(`FROM prospect_signatures WHERE prospect_id`).WillReturnRows(signatureRows())

	eval, err := h.ctl.Evaluate(h.ctx, agentCaller, "app-1")
	require.NoError(t, err)

	assert.False(t, eval.IsValid)
	assert.Contains(t, eval.Errors, "bankRoutingNumber is required")
	count := 0
	for _, e := range eval.Errors {
		if e == "companyName is required" {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestController_AttachPDF(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery(`generated_pdf_path = COALESCE`).
		WithArgs("app-1", nil, "pdfs/app-1.pdf", sqlmock.AnyArg()).
		WillReturnRows(rowWith("app-1", models.StatusApproved))
	h.expectAudit()

	_, err := h.ctl.AttachPDF(h.ctx, "app-1", "pdfs/app-1.pdf")
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.ApplicationUpdated}, h.publisher.types())
	assert.NoError(t, h.mock.ExpectationsWereMet())
}

func TestTranslate(t *testing.T) {
	assertCode(t, translate(ErrApplicationNotFound), apperrors.ErrCodeNotFound)
	assertCode(t, translate(ErrDatabase), apperrors.ErrCodeInternal)
	forbidden := apperrors.NewForbiddenError("x")
	assert.Same(t, forbidden, translate(forbidden))
}
