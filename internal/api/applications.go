package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/models"
	"onboarding-crm/internal/search"
	pdf "onboarding-crm/internal/workers/application/generate-application-pdf"
)

type createApplicationRequest struct {
	AcquirerID string `json:"acquirerId"`
	TemplateID string `json:"templateId"`
}

type applicationDataRequest struct {
	ApplicationData map[string]interface{} `json:"applicationData"`
}

type rejectRequest struct {
	RejectionReason *string `json:"rejectionReason"`
}

type publicSubmitRequest struct {
	ValidationToken string                 `json:"validationToken"`
	ApplicationData map[string]interface{} `json:"applicationData"`
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var req createApplicationRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	app, err := s.deps.Applications.Create(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.AcquirerID, req.TemplateID)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (s *Server) handleListByProspect(w http.ResponseWriter, r *http.Request) {
	apps, err := s.deps.Applications.ListByProspect(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleListByAgent(w http.ResponseWriter, r *http.Request) {
	apps, err := s.deps.Applications.ListByAgent(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Applications.Get(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSaveDraft(w http.ResponseWriter, r *http.Request) {
	var req applicationDataRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	if req.ApplicationData == nil {
		s.errors.Write(w, r, apperrors.NewBadRequestError("applicationData is required"))
		return
	}
	app, err := s.deps.Applications.SaveDraft(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.ApplicationData)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Applications.Start(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req applicationDataRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	app, err := s.deps.Applications.Submit(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.ApplicationData)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	app, err := s.deps.Applications.Approve(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	app, err := s.deps.Applications.Reject(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.RejectionReason)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	eval, err := s.deps.Applications.Evaluate(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eval)
}

func (s *Server) handlePublicSubmit(w http.ResponseWriter, r *http.Request) {
	var req publicSubmitRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	if strings.TrimSpace(req.ValidationToken) == "" {
		s.errors.Write(w, r, apperrors.NewBadRequestError("validationToken is required"))
		return
	}
	app, err := s.deps.Applications.SubmitAsProspect(r.Context(), mux.Vars(r)["id"], req.ValidationToken, req.ApplicationData)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// handleGeneratePDF renders synchronously so the caller sees renderer
// failures as 502.
func (s *Server) handleGeneratePDF(w http.ResponseWriter, r *http.Request) {
	if s.deps.PDF == nil {
		s.errors.Write(w, r, apperrors.NewUpstreamFailedError("pdf-renderer", pdf.ErrRendererDisabled))
		return
	}
	id := mux.Vars(r)["id"]
	caller := callerFrom(r)
	if _, err := s.deps.Applications.Get(r.Context(), caller, id); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	if _, err := s.deps.PDF.Execute(r.Context(), &pdf.Input{ApplicationID: id}); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	app, err := s.deps.Applications.Get(r.Context(), caller, id)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		s.errors.Write(w, r, apperrors.NewUpstreamFailedError("elasticsearch", search.ErrSearchFailed))
		return
	}
	res, _ := environment.FromContext(r.Context())
	q := search.Query{
		Text:   r.URL.Query().Get("q"),
		Status: models.ApplicationStatus(r.URL.Query().Get("status")),
	}
	q.From, _ = strconv.Atoi(r.URL.Query().Get("from"))
	q.Size, _ = strconv.Atoi(r.URL.Query().Get("size"))

	result, err := s.deps.Search.Search(r.Context(), string(res.Environment), q)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
