// Package api exposes the onboarding workflow over JSON/HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"onboarding-crm/internal/applications"
	"onboarding-crm/internal/common/auth"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
	"onboarding-crm/internal/models"
	"onboarding-crm/internal/prospects"
	"onboarding-crm/internal/search"
	pdf "onboarding-crm/internal/workers/application/generate-application-pdf"
)

type Applications interface {
	Create(ctx context.Context, caller models.Caller, prospectID, acquirerID, templateID string) (*models.ProspectApplication, error)
	Get(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error)
	ListByProspect(ctx context.Context, caller models.Caller, prospectID string) ([]models.ProspectApplication, error)
	ListByAgent(ctx context.Context, caller models.Caller, agentID string) ([]models.ProspectApplication, error)
	SaveDraft(ctx context.Context, caller models.Caller, appID string, data map[string]interface{}) (*models.ProspectApplication, error)
	Start(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error)
	Submit(ctx context.Context, caller models.Caller, appID string, data map[string]interface{}) (*models.ProspectApplication, error)
	Approve(ctx context.Context, caller models.Caller, appID string) (*models.ProspectApplication, error)
	Reject(ctx context.Context, caller models.Caller, appID string, reason *string) (*models.ProspectApplication, error)
	SubmitAsProspect(ctx context.Context, appID, validationToken string, data map[string]interface{}) (*models.ProspectApplication, error)
	Evaluate(ctx context.Context, caller models.Caller, appID string) (*applications.Evaluation, error)
}

type Signatures interface {
	RequestSignature(ctx context.Context, caller models.Caller, prospectID string, in prospects.OwnerInput) (*prospects.SignatureRequest, error)
	SignInline(ctx context.Context, caller models.Caller, prospectID string, in prospects.OwnerInput, signature string, sigType models.SignatureType) (*models.ProspectSignature, error)
	SignWithToken(ctx context.Context, token, signature string, sigType models.SignatureType) (*models.ProspectSignature, error)
	LookupToken(ctx context.Context, token string) (*prospects.TokenSummary, error)
	SignatureStatus(ctx context.Context, caller models.Caller, prospectID string) (*prospects.SignatureStatus, error)
}

type Searcher interface {
	Search(ctx context.Context, env string, q search.Query) (*search.Result, error)
}

type PDFGenerator interface {
	Execute(ctx context.Context, input *pdf.Input) (*pdf.Output, error)
}

// Pinger reports the health of the open database pools.
type Pinger interface {
	Ping(ctx context.Context) map[environment.Environment]error
}

// Deps collects the server's collaborators. Search and PDF may be nil when
// the backing integration is disabled.
type Deps struct {
	Applications Applications
	Signatures   Signatures
	Search       Searcher
	PDF          PDFGenerator
	Resolver     *environment.Resolver
	Verifier     *auth.Verifier
	Pinger       Pinger
	Logger       logger.Logger
}

type Server struct {
	deps   Deps
	errors *apperrors.ErrorHandler
	logger logger.Logger
}

// NewServer creates the HTTP API over the given dependencies.
func NewServer(deps Deps) *Server {
	log := deps.Logger.WithFields(map[string]interface{}{"component": "http"})
	return &Server{
		deps:   deps,
		errors: apperrors.NewErrorHandler(log),
		logger: log,
	}
}

// Routes builds the router. Static segments are registered before {id}
// patterns that would otherwise swallow them.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(environment.Middleware(s.deps.Resolver))
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/environment", s.handleGetEnvironment).Methods(http.MethodGet)
	r.HandleFunc("/admin/environment", s.admin(s.handleSetEnvironment)).Methods(http.MethodPost)

	r.HandleFunc("/prospect-applications/search", s.admin(s.handleSearch)).Methods(http.MethodGet)
	r.HandleFunc("/prospect-applications/{id}", s.authed(s.handleGetApplication)).Methods(http.MethodGet)
	r.HandleFunc("/prospect-applications/{id}", s.authed(s.handleSaveDraft)).Methods(http.MethodPatch)
	r.HandleFunc("/prospect-applications/{id}/start", s.authed(s.handleStart)).Methods(http.MethodPost)
	r.HandleFunc("/prospect-applications/{id}/submit", s.authed(s.handleSubmit)).Methods(http.MethodPost)
	r.HandleFunc("/prospect-applications/{id}/approve", s.admin(s.handleApprove)).Methods(http.MethodPost)
	r.HandleFunc("/prospect-applications/{id}/reject", s.admin(s.handleReject)).Methods(http.MethodPost)
	r.HandleFunc("/prospect-applications/{id}/evaluation", s.authed(s.handleEvaluate)).Methods(http.MethodGet)
	r.HandleFunc("/prospect-applications/{id}/pdf", s.authed(s.handleGeneratePDF)).Methods(http.MethodPost)

	r.HandleFunc("/prospects/{id}/applications", s.authed(s.handleCreateApplication)).Methods(http.MethodPost)
	r.HandleFunc("/prospects/{id}/applications", s.authed(s.handleListByProspect)).Methods(http.MethodGet)
	r.HandleFunc("/prospects/{id}/signature-requests", s.authed(s.handleRequestSignature)).Methods(http.MethodPost)
	r.HandleFunc("/prospects/{id}/signatures", s.authed(s.handleSignInline)).Methods(http.MethodPost)
	r.HandleFunc("/prospects/{id}/signature-status", s.authed(s.handleSignatureStatus)).Methods(http.MethodGet)
	r.HandleFunc("/agents/{id}/applications", s.authed(s.handleListByAgent)).Methods(http.MethodGet)

	r.HandleFunc("/public/signatures/{token}", s.handleLookupToken).Methods(http.MethodGet)
	r.HandleFunc("/public/signatures/{token}", s.handleSignWithToken).Methods(http.MethodPost)
	r.HandleFunc("/public/prospect-applications/{id}/submit", s.handlePublicSubmit).Methods(http.MethodPost)

	return r
}
