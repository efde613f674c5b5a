package api

import (
	"context"
	"net/http"
	"time"

	"github.com/joe14all/lab-portal-sub002/internal/buildinfo"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler checks backing services with a short deadline.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Ready(ctx); err != nil {
			writeProblem(w, http.StatusServiceUnavailable, "Not ready", err.Error(), r.URL.Path)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":    buildinfo.Get(),
		"time":     time.Now().UTC().Format(time.RFC3339),
		"config":   s.opts.Settings,
		"realtime": s.hub.Pool().Stats(),
		"cache":    s.responses.L1().Stats(),
	})
}
