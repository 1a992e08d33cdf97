package applications

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"onboarding-crm/internal/common/database"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/common/metrics"
	"onboarding-crm/internal/common/observability"
	"onboarding-crm/internal/common/validation"
	"onboarding-crm/internal/events"
	"onboarding-crm/internal/models"
	"onboarding-crm/internal/prospects"
	"onboarding-crm/pkg/registry"
)

// TemplateCatalog resolves acquirer templates by id.
type TemplateCatalog interface {
	Template(id string) (*registry.Template, bool)
}

type transition struct {
	action    string
	from      models.ApplicationStatus
	to        models.ApplicationStatus
	adminOnly bool
	event     events.Type
}

var (
	startTransition   = transition{"start", models.StatusDraft, models.StatusInProgress, false, events.ApplicationStarted}
	submitTransition  = transition{"submit", models.StatusInProgress, models.StatusSubmitted, false, events.ApplicationSubmitted}
	approveTransition = transition{"approve", models.StatusSubmitted, models.StatusApproved, true, events.ApplicationApproved}
	rejectTransition  = transition{"reject", models.StatusSubmitted, models.StatusRejected, true, events.ApplicationRejected}
)

// Controller is the only component that changes application status. Every
// operation works against the database of the environment resolved into the
// request context.
type Controller struct {
	conns     database.ConnProvider
	catalog   TemplateCatalog
	publisher events.Publisher
	obs       *observability.Observability
	logger    logger.Logger
}

// NewController creates a new workflow controller.
func NewController(conns database.ConnProvider, catalog TemplateCatalog, publisher events.Publisher, obs *observability.Observability, log logger.Logger) *Controller {
	return &Controller{
		conns:     conns,
		catalog:   catalog,
		publisher: publisher,
		obs:       obs,
		logger:    log.WithFields(map[string]interface{}{"component": "workflow-controller"}),
	}
}

type session struct {
	env       environment.Environment
	db        *sql.DB
	apps      *Store
	prospects *prospects.Store
	logger    logger.Logger
}

func (c *Controller) open(ctx context.Context) (*session, error) {
	db, env, err := database.ForRequest(ctx, c.conns)
	if err != nil {
		return nil, err
	}
	log := c.logger.WithFields(map[string]interface{}{"environment": string(env)})
	return &session{
		env:       env,
		db:        db,
		apps:      NewStore(db, log),
		prospects: prospects.NewStore(db),
		logger:    log,
	}, nil
}

// load fetches the application and applies the ownership rule. Admins pass
// unconditionally.
func (c *Controller) load(ctx context.Context, s *session, appID string, caller models.Caller) (*models.ProspectApplication, error) {
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, translate(err)
	}
	if _, err := s.prospects.AuthorizeCaller(ctx, app.ProspectID, caller); err != nil {
		return nil, translate(err)
	}
	return app, nil
}

// Create files a draft application for a prospect against a registered template.
func (c *Controller) Create(ctx context.Context, caller models.Caller, prospectID, acquirerID, templateID string) (*models.ProspectApplication, error) {
	if prospectID == "" || acquirerID == "" || templateID == "" {
		return nil, apperrors.NewBadRequestError("prospectId, acquirerId and templateId are required")
	}

	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.prospects.AuthorizeCaller(ctx, prospectID, caller); err != nil {
		return nil, translate(err)
	}

	tmpl, ok := c.catalog.Template(templateID)
	if !ok {
		return nil, apperrors.NewNotFoundError("template", templateID)
	}
	if tmpl.AcquirerID != acquirerID {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("template %s does not belong to acquirer %s", templateID, acquirerID))
	}

	app, err := s.apps.Create(ctx, prospectID, acquirerID, templateID)
	if err != nil {
		return nil, translate(err)
	}

	s.apps.RecordAudit(ctx, string(events.ApplicationCreated), app.ID, caller.UserID, map[string]interface{}{
		"prospectId":  prospectID,
		"acquirerId":  acquirerID,
		"templateId":  templateID,
		"environment": string(s.env),
	})
	c.publish(ctx, s, events.ApplicationCreated, app, caller.UserID, nil)
	s.logger.Info("Application created", map[string]interface{}{
		"applicationId": app.ID,
		"prospectId":    prospectID,
		"templateId":    templateID,
	})
	return app, nil
}

// Get returns an application the caller is allowed to see.
func (c *Controller) Get(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	return c.load(ctx, s, appID, caller)
}

// ListByProspect lists a prospect's applications after the ownership check.
func (c *Controller) ListByProspect(ctx context.Context, caller models.Caller, prospectID string) ([]models.ProspectApplication, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.prospects.AuthorizeCaller(ctx, prospectID, caller); err != nil {
		return nil, translate(err)
	}
	apps, err := s.apps.ListByProspect(ctx, prospectID)
	if err != nil {
		return nil, translate(err)
	}
	return apps, nil
}

// ListByAgent is open to admins and to the agent's own user.
func (c *Controller) ListByAgent(ctx context.Context, caller models.Caller, agentID string) ([]models.ProspectApplication, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin() {
		agent, err := s.prospects.GetAgent(ctx, agentID)
		if err != nil && !errors.Is(err, prospects.ErrAgentNotFound) {
			return nil, translate(err)
		}
		if agent == nil || agent.UserID != caller.UserID {
			return nil, apperrors.NewForbiddenError(fmt.Sprintf("user %s is not agent %s", caller.UserID, agentID))
		}
	}
	apps, err := s.apps.ListByAgent(ctx, agentID)
	if err != nil {
		return nil, translate(err)
	}
	return apps, nil
}

// SaveDraft replaces application data while the application is still
// editable.
func (c *Controller) SaveDraft(ctx context.Context, caller models.Caller, appID string, data map[string]interface{}) (*models.ProspectApplication, error) {
	if data == nil {
		return nil, apperrors.NewBadRequestError("applicationData is required")
	}

	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	app, err := c.load(ctx, s, appID, caller)
	if err != nil {
		return nil, err
	}
	if !app.Status.Editable() {
		return nil, apperrors.NewInvalidTransitionError(string(app.Status), "edit")
	}

	updated, err := s.apps.UpdateDataIfStatus(ctx, appID, data, models.StatusDraft, models.StatusInProgress)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil, apperrors.NewInvalidTransitionError(c.currentStatus(ctx, s, appID), "edit")
		}
		return nil, translate(err)
	}
	c.publish(ctx, s, events.ApplicationUpdated, updated, caller.UserID, nil)
	return updated, nil
}

// Start moves a draft application to in_progress.
func (c *Controller) Start(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error) {
	return c.transition(ctx, caller, appID, startTransition, nil, nil)
}

// Submit moves an in-progress application to submitted. When data is given
// it replaces the application data in the same transaction.
func (c *Controller) Submit(ctx context.Context, caller models.Caller, appID string, data map[string]interface{}) (*models.ProspectApplication, error) {
	return c.transition(ctx, caller, appID, submitTransition, data, nil)
}

// Approve moves a submitted application to approved. Admin only.
func (c *Controller) Approve(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error) {
	return c.transition(ctx, caller, appID, approveTransition, nil, nil)
}

// Reject moves a submitted application to rejected with an optional reason. Admin only.
func (c *Controller) Reject(ctx context.Context, caller models.Caller, appID string, reason *string) (*models.ProspectApplication, error) {
	return c.transition(ctx, caller, appID, rejectTransition, nil, reason)
}

func (c *Controller) transition(ctx context.Context, caller models.Caller, appID string, t transition, data map[string]interface{}, reason *string) (*models.ProspectApplication, error) {
	ctx, span := c.obs.StartSpan(ctx, "application."+t.action,
		attribute.String("applicationId", appID),
		attribute.String("callerId", caller.UserID),
	)
	defer span.End()

	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}

	var app *models.ProspectApplication
	if t.adminOnly {
		app, err = s.apps.Get(ctx, appID)
		if err != nil {
			return nil, translate(err)
		}
		if !caller.IsAdmin() {
			return nil, apperrors.NewForbiddenError(fmt.Sprintf("%s requires an admin", t.action))
		}
	} else {
		app, err = c.load(ctx, s, appID, caller)
		if err != nil {
			return nil, err
		}
	}

	return c.apply(ctx, s, app, t, caller.UserID, data, reason)
}

// apply checks the status precondition and performs the conditional update.
// Losing a race to a concurrent transition surfaces as InvalidTransition.
func (c *Controller) apply(ctx context.Context, s *session, app *models.ProspectApplication, t transition, actor string, data map[string]interface{}, reason *string) (*models.ProspectApplication, error) {
	start := time.Now()

	if app.Status != t.from {
		c.observe(ctx, t, "invalid", start)
		return nil, apperrors.NewInvalidTransitionError(string(app.Status), t.action)
	}

	var (
		updated *models.ProspectApplication
		err     error
	)
	if data != nil {
		updated, err = c.replaceDataAndTransition(ctx, s, app.ID, t, data)
	} else {
		updated, err = s.apps.Transition(ctx, app.ID, t.from, t.to, reason)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			c.observe(ctx, t, "conflict", start)
			return nil, apperrors.NewInvalidTransitionError(c.currentStatus(ctx, s, app.ID), t.action)
		}
		c.observe(ctx, t, "failed", start)
		return nil, translate(err)
	}
	c.observe(ctx, t, "applied", start)

	details := map[string]interface{}{
		"from":        string(t.from),
		"to":          string(t.to),
		"environment": string(s.env),
	}
	if reason != nil {
		details["rejectionReason"] = *reason
	}
	s.apps.RecordAudit(ctx, string(t.event), app.ID, actor, details)
	c.publish(ctx, s, t.event, updated, actor, nil)

	s.logger.Info("Application transitioned", map[string]interface{}{
		"applicationId": app.ID,
		"from":          string(t.from),
		"to":            string(t.to),
		"actor":         actor,
	})
	return updated, nil
}

func (c *Controller) replaceDataAndTransition(ctx context.Context, s *session, appID string, t transition, data map[string]interface{}) (*models.ProspectApplication, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", ErrDatabase, err)
	}
	defer func() { _ = tx.Rollback() }()

	txStore := NewStore(tx, s.logger)
	if _, err := txStore.UpdateDataIfStatus(ctx, appID, data, t.from); err != nil {
		return nil, err
	}
	updated, err := txStore.Transition(ctx, appID, t.from, t.to, nil)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", ErrDatabase, err)
	}
	return updated, nil
}

// SubmitAsProspect is the public submission path. The prospect proves
// identity with its validation token and the application must pass the
// completion evaluator and the template schema before it is submitted.
func (c *Controller) SubmitAsProspect(ctx context.Context, appID, validationToken string, data map[string]interface{}) (*models.ProspectApplication, error) {
	ctx, span := c.obs.StartSpan(ctx, "application.submit_as_prospect", attribute.String("applicationId", appID))
	defer span.End()

	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, translate(err)
	}
	prospect, err := s.prospects.GetProspect(ctx, app.ProspectID)
	if err != nil {
		return nil, translate(err)
	}
	if prospect.ValidationToken == "" ||
		subtle.ConstantTimeCompare([]byte(validationToken), []byte(prospect.ValidationToken)) != 1 {
		return nil, apperrors.NewForbiddenError("validation token mismatch")
	}
	if app.Status != submitTransition.from {
		return nil, apperrors.NewInvalidTransitionError(string(app.Status), submitTransition.action)
	}

	merged := mergeData(app.ApplicationData, data)
	eval, err := c.evaluate(ctx, s, app, merged)
	if err != nil {
		return nil, err
	}
	if !eval.IsValid {
		return nil, apperrors.NewValidationFailedError(eval.Errors, map[string]interface{}{
			"missingSignatures": eval.MissingSignatures,
		})
	}

	return c.apply(ctx, s, app, submitTransition, "prospect:"+prospect.ID, merged, nil)
}

// Evaluate reports the completion state of an application without changing
// it.
func (c *Controller) Evaluate(ctx context.Context, caller models.Caller, appID string) (*Evaluation, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	app, err := c.load(ctx, s, appID, caller)
	if err != nil {
		return nil, err
	}
	return c.evaluate(ctx, s, app, app.ApplicationData)
}

func (c *Controller) evaluate(ctx context.Context, s *session, app *models.ProspectApplication, data map[string]interface{}) (*Evaluation, error) {
	owners, err := s.prospects.ListOwners(ctx, app.ProspectID)
	if err != nil {
		return nil, translate(err)
	}
	signatures, err := s.prospects.ListSignatures(ctx, app.ProspectID)
	if err != nil {
		return nil, translate(err)
	}

	eval := Evaluate(data, nil, owners, signatures)

	tmpl, ok := c.catalog.Template(app.TemplateID)
	if !ok {
		return &eval, nil
	}
	for _, field := range tmpl.RequiredFields {
		if isBlank(data[field]) && !isBaseRequired(field) {
			eval.Errors = append(eval.Errors, fmt.Sprintf("%s is required", field))
			eval.IsValid = false
		}
	}
	if len(tmpl.Schema) > 0 {
		res, err := validation.ValidateAgainstSchema(data, tmpl.Schema)
		if err != nil {
			return nil, apperrors.NewInternalError(err)
		}
		if !res.Valid {
			eval.Errors = append(eval.Errors, res.GetErrorMessages()...)
			eval.IsValid = false
		}
	}
	return &eval, nil
}

// Load reads an application without an ownership check. It serves internal
// callers such as the PDF worker.
func (c *Controller) Load(ctx context.Context, appID string) (*models.ProspectApplication, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return nil, translate(err)
	}
	return app, nil
}

// AttachPDF records the location of a rendered application PDF.
func (c *Controller) AttachPDF(ctx context.Context, appID, path string) (*models.ProspectApplication, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	updated, err := s.apps.Update(ctx, appID, Patch{GeneratedPDFPath: &path})
	if err != nil {
		return nil, translate(err)
	}
	s.apps.RecordAudit(ctx, "application.pdf_generated", appID, "system", map[string]interface{}{
		"path":        path,
		"environment": string(s.env),
	})
	c.publish(ctx, s, events.ApplicationUpdated, updated, "system", nil)
	return updated, nil
}

func (c *Controller) publish(ctx context.Context, s *session, typ events.Type, app *models.ProspectApplication, actor string, metadata map[string]interface{}) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(ctx, events.Event{
		Type:        typ,
		Environment: string(s.env),
		ProspectID:  app.ProspectID,
		Application: app,
		Actor:       actor,
		Metadata:    metadata,
		OccurredAt:  time.Now().UTC(),
	})
}

func (c *Controller) observe(ctx context.Context, t transition, outcome string, start time.Time) {
	metrics.ApplicationTransitions.WithLabelValues(string(t.from), string(t.to), outcome).Inc()
	c.obs.RecordTransition(ctx, string(t.from), string(t.to), outcome, time.Since(start))
}

func (c *Controller) currentStatus(ctx context.Context, s *session, appID string) string {
	app, err := s.apps.Get(ctx, appID)
	if err != nil {
		return "unknown"
	}
	return string(app.Status)
}

func mergeData(base, overlay map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// translate converts package sentinels into StandardErrors.
func translate(err error) error {
	if _, ok := apperrors.As(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrApplicationNotFound):
		return apperrors.NewNotFoundError("application", err.Error())
	case errors.Is(err, ErrProspectNotFound), errors.Is(err, prospects.ErrProspectNotFound):
		return apperrors.NewNotFoundError("prospect", err.Error())
	case errors.Is(err, prospects.ErrNotOwner):
		return apperrors.NewForbiddenError(err.Error())
	case errors.Is(err, prospects.ErrAgentNotFound):
		return apperrors.NewNotFoundError("agent", err.Error())
	default:
		return apperrors.NewInternalError(err)
	}
}
