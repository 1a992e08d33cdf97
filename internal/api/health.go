package api

import (
	"context"
	"net/http"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady pings every pool opened so far. No pools means nothing has
// failed yet.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	pools := map[string]string{}
	if s.deps.Pinger != nil {
		for env, err := range s.deps.Pinger.Ping(ctx) {
			if err != nil {
				status = http.StatusServiceUnavailable
				pools[string(env)] = "unavailable"
				continue
			}
			pools[string(env)] = "ok"
		}
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "databases": pools})
}
