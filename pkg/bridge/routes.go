package bridge

import (
	"errors"
	"net/http"

	"issuebridge/pkg/httpx"
	"issuebridge/pkg/issues"
	"issuebridge/pkg/telemetry"

	"github.com/go-chi/chi/v5"
)

// Handler builds the router. CORS preflights are answered before the
// authentication gate runs.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(httpx.CORSMiddleware(s.origins))
	r.Use(s.metrics.Middleware(routePattern))
	if s.cfg.ServiceName != "" {
		r.Use(telemetry.HTTPMiddleware(s.cfg.ServiceName))
	}

	r.Get("/health", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.gate.Middleware)
		r.Get("/issues", s.handleListIssues)
		r.Get("/issues/{id}", s.handleGetIssue)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/metrics", s.metrics.Handler())
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	filter, err := issues.ParseFilter(r.URL.Query())
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	views, err := issues.Snapshot(r.Context(), s.source, filter)
	if err != nil {
		s.log.Error("list issues failed", "error", err)
		httpx.Error(w, http.StatusServiceUnavailable, "issues unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	view, err := issues.Find(r.Context(), s.source, chi.URLParam(r, "id"))
	if errors.Is(err, issues.ErrNotFound) {
		httpx.Error(w, http.StatusNotFound, "issue not found")
		return
	}
	if err != nil {
		s.log.Error("get issue failed", "error", err)
		httpx.Error(w, http.StatusServiceUnavailable, "issues unavailable")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}
