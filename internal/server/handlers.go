package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/mail"
	"github.com/grannygear/workshop/internal/models"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "workshop-companion",
	})
}

// handleSubmit accepts an intake form submission. The body is the form's
// field map, passed through opaquely. The response is always an
// acceptance (online receipt or offline queue ticket) unless the durable
// store itself is unavailable.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var jobData map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&jobData); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "body must be a JSON object")
		return
	}
	if len(jobData) == 0 {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "empty submission")
		return
	}

	outcome, err := s.engine.Submit(r.Context(), jobData)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStorageUnavailable) {
			writeError(w, http.StatusServiceUnavailable, string(apperrors.ErrStorageUnavailable),
				"submission failed and offline queue is unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, string(apperrors.ErrInternal), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"result":  outcome,
	})
}

// handlePendingList lists queued records with their attempt bookkeeping.
func (s *Server) handlePendingList(w http.ResponseWriter, r *http.Request) {
	pending, err := s.repo.ListPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   len(pending),
		"jobs":    pending,
	})
}

// handlePendingDelete drops one queued record (operator action).
func (s *Server) handlePendingDelete(w http.ResponseWriter, r *http.Request) {
	localID, err := strconv.ParseInt(chi.URLParam(r, "localID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid local id")
		return
	}

	// Idempotent: deleting an absent record succeeds
	if err := s.engine.Remove(localID); err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleSyncTrigger starts a drain pass in the background (the manual
// "sync now" button). An already-running drain makes this a no-op.
func (s *Server) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	// Detached from the request context: the drain outlives the response
	go s.engine.SyncPendingJobs(context.Background())

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"success": true,
		"message": "sync triggered",
	})
}

// handleJobs serves the kanban job list, live or from the cached snapshot.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.snapshots.Jobs(r.Context())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, string(apperrors.ErrNotFound), "no job data available offline")
			return
		}
		writeError(w, http.StatusBadGateway, string(apperrors.ErrRemoteFailed), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"jobs":      snapshot.Jobs,
		"fromCache": snapshot.FromCache,
		"cachedAt":  snapshot.CachedAt,
	})
}

// handleJobStatus moves a job between kanban columns.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "status is required")
		return
	}

	if err := s.actions.UpdateStatus(r.Context(), jobID, body.Status); err != nil {
		writeError(w, http.StatusBadGateway, string(apperrors.ErrRemoteFailed), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleJobTriage records triage details against a job.
func (s *Server) handleJobTriage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "triage fields are required")
		return
	}

	if err := s.actions.TriageJob(r.Context(), jobID, fields); err != nil {
		writeError(w, http.StatusBadGateway, string(apperrors.ErrRemoteFailed), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleJobAction adapts the single-argument board actions.
func (s *Server) handleJobAction(action func(ctx context.Context, jobID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := action(r.Context(), chi.URLParam(r, "jobID")); err != nil {
			writeError(w, http.StatusBadGateway, string(apperrors.ErrRemoteFailed), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	}
}

// handleSendMail relays a confirmation email for the backend.
func (s *Server) handleSendMail(w http.ResponseWriter, r *http.Request) {
	var req mail.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(apperrors.ErrInvalid), "invalid JSON payload")
		return
	}

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = r.Header.Get("X-API-Key")
	}
	if err := s.relay.Authorize(apiKey); err != nil {
		writeError(w, http.StatusUnauthorized, string(apperrors.ErrMailForbidden), "invalid API key")
		return
	}

	if err := s.relay.Send(&req); err != nil {
		if apperrors.Is(err, apperrors.ErrMailInvalid) {
			writeError(w, http.StatusBadRequest, string(apperrors.ErrMailInvalid), err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, string(apperrors.ErrMailFailed), "failed to send email")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Email sent",
	})
}

// =====================================================
// Operator session
// =====================================================

// handleSessionIssue starts an operator session.
func (s *Server) handleSessionIssue(w http.ResponseWriter, r *http.Request) {
	token := s.sessions.Issue()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"token":   token,
	})
}

// handleSessionCheck reports whether a session token is still live.
func (s *Server) handleSessionCheck(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Session-Token")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"valid":   token != "" && s.sessions.Check(token),
	})
}

// handleSessionClear ends an operator session.
func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	if token := r.Header.Get("X-Session-Token"); token != "" {
		s.sessions.Clear(token)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// writeStoreError maps repository failures onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case apperrors.Is(err, apperrors.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, string(apperrors.ErrStorageUnavailable), "durable store unavailable")
	case apperrors.Is(err, apperrors.ErrNotFound):
		writeError(w, http.StatusNotFound, string(apperrors.ErrNotFound), err.Error())
	default:
		writeError(w, http.StatusInternalServerError, string(apperrors.ErrDatabase), err.Error())
	}
}
