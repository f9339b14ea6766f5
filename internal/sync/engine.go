// Package sync drains the offline job queue against the booking backend.
package sync

import (
	"context"
	"sync/atomic"

	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/logging"
	"github.com/grannygear/workshop/internal/models"
)

// RemoteService is the two-operation contract the engine requires from the
// booking backend: reserve a fresh job identifier, then submit the job
// data carrying that identifier under "jobId".
type RemoteService interface {
	ReserveJobID(ctx context.Context) (string, error)
	SubmitJob(ctx context.Context, jobData map[string]interface{}) (queuePosition int, err error)
}

// Engine owns the offline submission queue: the direct online path with
// offline fallback, and the drain loop that replays queued records when
// connectivity returns. One Engine is constructed per process; the
// single-flight flag lives here, not in package state.
type Engine struct {
	repo     *db.Repository
	remote   RemoteService
	monitor  *connectivity.Monitor
	notifier Notifier

	// syncing guards against overlapping drain passes. A drain requested
	// while one is in flight is dropped, not queued.
	syncing atomic.Bool
}

// NewEngine creates an Engine. A nil notifier is replaced with NopNotifier.
func NewEngine(repo *db.Repository, remote RemoteService, monitor *connectivity.Monitor, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		repo:     repo,
		remote:   remote,
		monitor:  monitor,
		notifier: notifier,
	}
}

// Start reconciles state left by a previous run and wires the engine to
// connectivity transitions. Records stranded in syncing by an interrupted
// drain are returned to pending (reserve and submit are safe to repeat;
// the remote assigns a fresh identifier each attempt). A missing durable
// store is not fatal: the engine degrades to online-only submission.
func (e *Engine) Start(ctx context.Context) error {
	reset, err := e.repo.ResetSyncingJobs()
	if err != nil {
		if apperrors.Is(err, apperrors.ErrStorageUnavailable) {
			logging.Warn("durable store unavailable, offline queuing disabled",
				map[string]interface{}{"error": err.Error()})
			return nil
		}
		return err
	}
	if reset > 0 {
		logging.Info("recovered interrupted sync records", map[string]interface{}{"count": reset})
	}

	e.refreshBadge()

	e.monitor.Subscribe(func(online bool) {
		if !online {
			e.refreshBadge()
			return
		}
		go e.SyncPendingJobs(ctx)
	})

	if e.monitor.Online() {
		go e.SyncPendingJobs(ctx)
	}

	return nil
}

// DrainResult reports the outcome counts of one drain pass.
type DrainResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// SyncPendingJobs drains every pending record, one at a time, in store
// iteration order. Each record goes through reserve-then-submit; success
// deletes it, failure returns it to pending with attempts incremented and
// the error recorded, and the drain moves on. A second drain requested
// while one is in flight, or a drain while offline, is a no-op and returns
// (nil, nil).
func (e *Engine) SyncPendingJobs(ctx context.Context) (*DrainResult, error) {
	if !e.monitor.Online() {
		logging.Debug("still offline, cannot sync", nil)
		return nil, nil
	}
	if !e.syncing.CompareAndSwap(false, true) {
		logging.Debug("sync already in progress, skipping", nil)
		return nil, nil
	}
	defer e.syncing.Store(false)

	jobs, err := e.repo.ListPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return &DrainResult{}, nil
	}

	logging.Info("starting sync of pending jobs", map[string]interface{}{"count": len(jobs)})
	e.notifier.SyncStarted(len(jobs))

	result := &DrainResult{}
	for _, job := range jobs {
		// A single record's failure must not abort the drain.
		if err := e.syncOne(ctx, job); err != nil {
			result.Failed++
			continue
		}
		result.Synced++
	}

	logging.Info("sync complete", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
	})
	e.notifier.SyncFinished(result.Synced, result.Failed)
	e.refreshBadge()

	return result, nil
}

// syncOne replays one queued record: mark syncing, reserve an identifier,
// submit with it attached, delete on success. Any failure returns the
// record to pending with bookkeeping.
func (e *Engine) syncOne(ctx context.Context, job *models.PendingJob) error {
	syncing := models.JobStatusSyncing
	if _, err := e.repo.UpdatePendingJob(job.LocalID, db.PendingJobUpdate{Status: &syncing}); err != nil {
		return err
	}

	if job.Attempts > 0 {
		// Reservations carry no idempotency key: the identifier reserved
		// by a previous failed attempt stays orphaned on the remote side.
		logging.Warn("re-reserving identifier for retried job", map[string]interface{}{
			"local_id": job.LocalID,
			"attempts": job.Attempts,
		})
	}

	jobID, err := e.remote.ReserveJobID(ctx)
	if err != nil {
		e.recordFailure(job, err)
		return err
	}

	reserved := jobID
	if _, err := e.repo.UpdatePendingJob(job.LocalID, db.PendingJobUpdate{ReservedJobID: &reserved}); err != nil {
		e.recordFailure(job, err)
		return err
	}

	jobData := make(map[string]interface{}, len(job.JobData)+1)
	for k, v := range job.JobData {
		jobData[k] = v
	}
	jobData["jobId"] = jobID

	if _, err := e.remote.SubmitJob(ctx, jobData); err != nil {
		e.recordFailure(job, err)
		return err
	}

	if err := e.repo.DeletePendingJob(job.LocalID); err != nil {
		logging.Error("failed to delete synced job", err,
			map[string]interface{}{"local_id": job.LocalID, "job_id": jobID})
		return err
	}

	logging.Info("synced queued job", map[string]interface{}{
		"local_id": job.LocalID,
		"job_id":   jobID,
	})
	return nil
}

// recordFailure returns a record to pending with attempts incremented and
// the latest error message recorded.
func (e *Engine) recordFailure(job *models.PendingJob, cause error) {
	pending := models.JobStatusPending
	attempts := job.Attempts + 1
	lastError := cause.Error()

	_, err := e.repo.UpdatePendingJob(job.LocalID, db.PendingJobUpdate{
		Status:    &pending,
		Attempts:  &attempts,
		LastError: &lastError,
	})
	if err != nil {
		logging.Error("failed to record sync failure", err,
			map[string]interface{}{"local_id": job.LocalID})
		return
	}

	logging.Warn("failed to sync queued job", map[string]interface{}{
		"local_id": job.LocalID,
		"attempts": attempts,
		"error":    cause.Error(),
	})
}

// SubmitMode reports which path accepted a submission.
type SubmitMode string

const (
	SubmitModeOnline  SubmitMode = "online"
	SubmitModeOffline SubmitMode = "offline"
)

// SubmitOutcome is the user-visible result of a submission attempt. The
// outcome is always an acceptance: either the job went straight through
// (online) or it is durably queued (offline).
type SubmitOutcome struct {
	Mode          SubmitMode `json:"mode"`
	JobID         string     `json:"jobId,omitempty"`
	QueuePosition int        `json:"queuePosition,omitempty"`
	LocalID       int64      `json:"localId,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// Submit is the direct submission path used at form-submit time. Online it
// runs reserve-then-submit immediately; offline, or when the direct
// attempt fails for any reason, the job is queued locally instead. The
// only hard failure is the durable store itself being unavailable.
func (e *Engine) Submit(ctx context.Context, jobData map[string]interface{}) (*SubmitOutcome, error) {
	if e.monitor.Online() {
		outcome, err := e.submitDirect(ctx, jobData)
		if err == nil {
			return outcome, nil
		}
		logging.Warn("direct submission failed, saving offline",
			map[string]interface{}{"error": err.Error()})
	}
	return e.queueOffline(jobData)
}

func (e *Engine) submitDirect(ctx context.Context, jobData map[string]interface{}) (*SubmitOutcome, error) {
	jobID, err := e.remote.ReserveJobID(ctx)
	if err != nil {
		return nil, err
	}

	data := make(map[string]interface{}, len(jobData)+1)
	for k, v := range jobData {
		data[k] = v
	}
	data["jobId"] = jobID

	queuePosition, err := e.remote.SubmitJob(ctx, data)
	if err != nil {
		return nil, err
	}

	return &SubmitOutcome{
		Mode:          SubmitModeOnline,
		JobID:         jobID,
		QueuePosition: queuePosition,
	}, nil
}

func (e *Engine) queueOffline(jobData map[string]interface{}) (*SubmitOutcome, error) {
	job, err := e.repo.CreatePendingJob(jobData)
	if err != nil {
		return nil, err
	}

	e.refreshBadge()

	return &SubmitOutcome{
		Mode:    SubmitModeOffline,
		LocalID: job.LocalID,
		Message: "Job saved offline - will sync when connected",
	}, nil
}

// Remove deletes a queued record (operator cancelling an unsent job) and
// refreshes the badge. Removing an absent record is not an error.
func (e *Engine) Remove(localID int64) error {
	if err := e.repo.DeletePendingJob(localID); err != nil {
		return err
	}
	e.refreshBadge()
	return nil
}

// PendingCount reports the number of records waiting to sync.
func (e *Engine) PendingCount() (int, error) {
	return e.repo.CountPendingJobsByStatus(models.JobStatusPending)
}

// refreshBadge pushes the current pending count to the notifier.
func (e *Engine) refreshBadge() {
	count, err := e.repo.CountPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		logging.Error("failed to refresh pending badge", err, nil)
		return
	}
	e.notifier.PendingCountChanged(count)
}
