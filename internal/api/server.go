// Package api serves the operations surface for a load run: originator
// control, cluster status, and the metrics scrape endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	mw "github.com/callstorm/callstorm/internal/api/middleware"
	"github.com/callstorm/callstorm/internal/dialer"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router  *chi.Mux
	orig    *dialer.Originator
	limiter *mw.IPRateLimiter
	metrics http.Handler
}

// NewServer creates the HTTP handler with all routes mounted. The metrics
// handler may be nil to disable the scrape endpoint.
func NewServer(orig *dialer.Originator, limiter *mw.IPRateLimiter, metrics http.Handler) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		orig:    orig,
		limiter: limiter,
		metrics: metrics,
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mw.StructuredLogger)
	r.Use(mw.Recoverer)
	if s.limiter != nil {
		r.Use(mw.RateLimit(s.limiter))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/nodes", s.handleNodes)

		r.Route("/originator", func(r chi.Router) {
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Post("/hupall", s.handleHupall)
			r.Put("/settings", s.handleSettings)
		})
	})

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	slog.Info("api routes mounted")
}

// statusPayload is the originator and cluster snapshot returned by status
// and settings endpoints.
type statusPayload struct {
	State           string  `json:"state"`
	Rate            int     `json:"rate"`
	Limit           int     `json:"limit"`
	DurationSeconds float64 `json:"duration_seconds"`
	MaxOffered      int     `json:"max_offered"`
	TotalOriginated int     `json:"total_originated"`
	ActiveCalls     int     `json:"active_calls"`
	ActiveSessions  int     `json:"active_sessions"`
	PendingJobs     int     `json:"pending_jobs"`
	FailedSessions  int     `json:"failed_sessions"`
	Answered        int     `json:"answered"`
}

func (s *Server) status() statusPayload {
	p := s.orig.Pool()
	return statusPayload{
		State:           s.orig.State().String(),
		Rate:            s.orig.Rate(),
		Limit:           s.orig.Limit(),
		DurationSeconds: s.orig.Duration().Seconds(),
		MaxOffered:      s.orig.MaxOffered(),
		TotalOriginated: s.orig.TotalOriginatedSessions(),
		ActiveCalls:     p.CountCalls(),
		ActiveSessions:  p.CountSessions(),
		PendingJobs:     p.CountJobs(),
		FailedSessions:  p.CountFailed(),
		Answered:        p.TotalAnswered(),
	}
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus returns the originator state and cluster-wide counters.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

// nodePayload is one node's listener counters.
type nodePayload struct {
	Host         string         `json:"host"`
	Connected    bool           `json:"connected"`
	Sessions     int            `json:"sessions"`
	Calls        int            `json:"calls"`
	PendingJobs  int            `json:"pending_jobs"`
	Failed       int            `json:"failed"`
	Answered     int            `json:"answered"`
	HangupCauses map[string]int `json:"hangup_causes"`
}

// handleNodes returns per-node listener counters.
func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.orig.Pool().Nodes()
	out := make([]nodePayload, len(nodes))
	for i, n := range nodes {
		out[i] = nodePayload{
			Host:         n.Host(),
			Connected:    n.Listener.Connected(),
			Sessions:     n.Listener.CountSessions(),
			Calls:        n.Listener.CountCalls(),
			PendingJobs:  n.Listener.CountJobs(),
			Failed:       n.Listener.CountFailed(),
			Answered:     n.Listener.TotalAnswered(),
			HangupCauses: n.Listener.HangupCauses(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleStart opens the burst gate.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.orig.Start(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// handleStop closes the burst gate; live calls run out their duration.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.orig.Stop()
	writeJSON(w, http.StatusOK, s.status())
}

// handleHupall stops dialing and sweeps all tracked calls.
func (s *Server) handleHupall(w http.ResponseWriter, r *http.Request) {
	if err := s.orig.Hupall(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

// settingsRequest carries partial load-setting updates; absent fields are
// left unchanged.
type settingsRequest struct {
	Rate            *int     `json:"rate"`
	Limit           *int     `json:"limit"`
	DurationSeconds *float64 `json:"duration_seconds"`
	MaxOffered      *int     `json:"max_offered"`
}

// handleSettings applies load-setting updates and returns the resulting
// snapshot.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if msg := readJSON(w, r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Rate != nil {
		if *req.Rate <= 0 {
			writeError(w, http.StatusBadRequest, "rate must be positive")
			return
		}
		s.orig.SetRate(*req.Rate)
	}
	if req.Limit != nil {
		if *req.Limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be positive")
			return
		}
		s.orig.SetLimit(*req.Limit)
	}
	if req.DurationSeconds != nil {
		if *req.DurationSeconds < 0 {
			writeError(w, http.StatusBadRequest, "duration must not be negative")
			return
		}
		s.orig.SetDuration(time.Duration(*req.DurationSeconds * float64(time.Second)))
	}
	if req.MaxOffered != nil {
		s.orig.SetMaxOffered(*req.MaxOffered)
	}
	writeJSON(w, http.StatusOK, s.status())
}
