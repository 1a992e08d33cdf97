package api

import (
	"net/http"

	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
)

type setEnvironmentRequest struct {
	Environment string `json:"environment"`
}

func (s *Server) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	res, _ := environment.FromContext(r.Context())
	writeJSON(w, http.StatusOK, res)
}

// handleSetEnvironment changes the selector. It is refused on production
// hosts, where the selection would have no effect.
func (s *Server) handleSetEnvironment(w http.ResponseWriter, r *http.Request) {
	if res, _ := environment.FromContext(r.Context()); res.IsProduction {
		s.errors.Write(w, r, apperrors.NewForbiddenError("environment cannot be changed from a production host"))
		return
	}
	var req setEnvironmentRequest
	if err := decode(r, &req); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	env, err := environment.Parse(req.Environment)
	if err != nil {
		s.errors.Write(w, r, err)
		return
	}
	if err := s.deps.Resolver.Selector().Set(r.Context(), env); err != nil {
		s.errors.Write(w, r, err)
		return
	}
	s.logger.Info("environment selected", map[string]interface{}{
		"environment": string(env),
		"by":          callerFrom(r).UserID,
	})
	writeJSON(w, http.StatusOK, map[string]string{"environment": string(env)})
}
