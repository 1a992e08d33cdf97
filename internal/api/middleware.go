package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"onboarding-crm/internal/common/auth"
	"onboarding-crm/internal/common/environment"
	apperrors "onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/metrics"
	"onboarding-crm/internal/models"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request metrics under the route template and logs the
// request once it completes.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		duration := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

		fields := map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"route":    route,
			"status":   rec.status,
			"duration": duration.String(),
		}
		if res, ok := environment.FromContext(r.Context()); ok {
			fields["environment"] = string(res.Environment)
		}
		s.logger.Info("request", fields)
	})
}

func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.deps.Verifier.VerifyRequest(r)
		if err != nil {
			s.errors.Write(w, r, apperrors.NewUnauthorizedError(err.Error()))
			return
		}
		next(w, r.WithContext(auth.WithCaller(r.Context(), caller)))
	}
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return s.authed(func(w http.ResponseWriter, r *http.Request) {
		if !callerFrom(r).IsAdmin() {
			s.errors.Write(w, r, apperrors.NewForbiddenError("admin role required"))
			return
		}
		next(w, r)
	})
}

func callerFrom(r *http.Request) models.Caller {
	caller, _ := auth.CallerFromContext(r.Context())
	return caller
}
