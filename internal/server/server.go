// Package server exposes the companion's local HTTP surface: the intake
// submission API for the PWA, the kanban snapshot, the CORS proxy to the
// booking backend, the mail relay and the event WebSocket.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/grannygear/workshop/internal/config"
	"github.com/grannygear/workshop/internal/db"
	"github.com/grannygear/workshop/internal/jobs"
	"github.com/grannygear/workshop/internal/logging"
	"github.com/grannygear/workshop/internal/mail"
	"github.com/grannygear/workshop/internal/notify"
	"github.com/grannygear/workshop/internal/session"
	syncpkg "github.com/grannygear/workshop/internal/sync"
)

// JobActions are the operator board operations forwarded to the booking
// backend. Satisfied by the api client.
type JobActions interface {
	UpdateStatus(ctx context.Context, jobID, status string) error
	TriageJob(ctx context.Context, jobID string, fields map[string]interface{}) error
	CompleteJob(ctx context.Context, jobID string) error
	ArchiveJob(ctx context.Context, jobID string) error
	CancelJob(ctx context.Context, jobID string) error
}

// Server bundles the handler dependencies.
type Server struct {
	cfg       *config.Config
	engine    *syncpkg.Engine
	repo      *db.Repository
	snapshots *jobs.SnapshotService
	actions   JobActions
	relay     *mail.Relay
	sessions  *session.Manager
	hub       *notify.Hub

	// forwarder posts proxied payloads to the Apps Script backend
	forwarder *http.Client
}

// New creates a Server.
func New(cfg *config.Config, engine *syncpkg.Engine, repo *db.Repository,
	snapshots *jobs.SnapshotService, actions JobActions, relay *mail.Relay,
	sessions *session.Manager, hub *notify.Hub) *Server {
	return &Server{
		cfg:       cfg,
		engine:    engine,
		repo:      repo,
		snapshots: snapshots,
		actions:   actions,
		relay:     relay,
		sessions:  sessions,
		hub:       hub,
		forwarder: &http.Client{Timeout: cfg.Remote.Timeout()},
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware)

	r.Get("/api/health", s.handleHealth)

	r.Post("/api/submit", s.handleSubmit)
	r.Get("/api/pending", s.handlePendingList)
	r.Delete("/api/pending/{localID}", s.requireSession(s.handlePendingDelete))
	r.Post("/api/sync", s.handleSyncTrigger)
	r.Get("/api/jobs", s.handleJobs)

	// Operator board actions, forwarded to the booking backend
	r.Post("/api/jobs/{jobID}/status", s.requireSession(s.handleJobStatus))
	r.Post("/api/jobs/{jobID}/triage", s.requireSession(s.handleJobTriage))
	r.Post("/api/jobs/{jobID}/complete", s.requireSession(s.handleJobAction(func(ctx context.Context, jobID string) error {
		return s.actions.CompleteJob(ctx, jobID)
	})))
	r.Post("/api/jobs/{jobID}/archive", s.requireSession(s.handleJobAction(func(ctx context.Context, jobID string) error {
		return s.actions.ArchiveJob(ctx, jobID)
	})))
	r.Post("/api/jobs/{jobID}/cancel", s.requireSession(s.handleJobAction(func(ctx context.Context, jobID string) error {
		return s.actions.CancelJob(ctx, jobID)
	})))

	r.Post("/api/proxy", s.handleProxy)
	r.Post("/api/sendmail", s.handleSendMail)

	r.Post("/api/session", s.handleSessionIssue)
	r.Get("/api/session", s.handleSessionCheck)
	r.Delete("/api/session", s.handleSessionClear)

	r.Get("/ws", s.hub.ServeWS)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("companion server listening", map[string]interface{}{"addr": s.cfg.ListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// corsMiddleware answers preflights and stamps allowed origins. With no
// origins configured, any origin is allowed (the proxy endpoint is public
// by design, like the hosted function it replaces).
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Session-Token")
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	allowed := s.cfg.Mail.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == origin || a == "*" {
			return true
		}
	}
	return false
}

// requireSession gates operator-only endpoints behind the local session
// token.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Session-Token")
		if token == "" || !s.sessions.Check(token) {
			writeError(w, http.StatusUnauthorized, "SESSION_EXPIRED", "operator session required")
			return
		}
		next(w, r)
	}
}

// =====================================================
// Response helpers
// =====================================================

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}
