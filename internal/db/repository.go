// Package db provides CRUD repository operations over the durable store.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/models"
)

// Repository provides operations over the pending-job and data-cache
// record sets. Every operation resolves the store handle first; the
// connection belongs to the Store, callers never release it.
type Repository struct {
	store *Store

	// Prepared statement cache for frequently used queries.
	// Statements are prepared on first use and reused; the underlying
	// handle is stable once the Store has opened successfully.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a Repository backed by the given Store.
func NewRepository(store *Store) *Repository {
	return &Repository{store: store}
}

// prepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) prepareStmt(db *DB, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// PendingJob Operations
// =====================================================

// PendingJobUpdate holds the fields of a pending job that may be changed
// after creation. Nil fields are left untouched (shallow merge).
type PendingJobUpdate struct {
	Status        *models.JobStatus
	Attempts      *int
	LastError     *string
	ReservedJobID *string
}

// CreatePendingJob inserts a new pending job with status=pending and
// attempts=0. The store assigns the local id.
func (r *Repository) CreatePendingJob(jobData map[string]interface{}) (*models.PendingJob, error) {
	db, err := r.store.Get()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(jobData)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "job data is not serializable", err)
	}

	job := &models.PendingJob{
		JobData:   jobData,
		Status:    models.JobStatusPending,
		CreatedAt: time.Now().Unix(),
		Attempts:  0,
	}

	query := `
	INSERT INTO pending_jobs (job_data, status, created_at, attempts, last_error, reserved_job_id)
	VALUES (?, ?, ?, ?, NULL, NULL)
	`
	res, err := db.Exec(query, string(payload), job.Status, job.CreatedAt, job.Attempts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to save pending job", err)
	}

	job.LocalID, err = res.LastInsertId()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read local id", err)
	}

	return job, nil
}

// GetPendingJob retrieves a pending job by local id.
func (r *Repository) GetPendingJob(localID int64) (*models.PendingJob, error) {
	db, err := r.store.Get()
	if err != nil {
		return nil, err
	}

	query := `
	SELECT local_id, job_data, status, created_at, attempts, last_error, reserved_job_id
	FROM pending_jobs WHERE local_id = ?
	`
	stmt, err := r.prepareStmt(db, query)
	if err != nil {
		return nil, err
	}

	job, err := scanPendingJob(stmt.QueryRow(localID))
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.ErrNotFound,
			fmt.Sprintf("pending job %d not found", localID))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read pending job", err)
	}
	return job, nil
}

// ListPendingJobsByStatus returns all jobs with the given status in store
// iteration order (ascending local id).
func (r *Repository) ListPendingJobsByStatus(status models.JobStatus) ([]*models.PendingJob, error) {
	db, err := r.store.Get()
	if err != nil {
		return nil, err
	}

	query := `
	SELECT local_id, job_data, status, created_at, attempts, last_error, reserved_job_id
	FROM pending_jobs WHERE status = ? ORDER BY local_id
	`
	rows, err := db.Query(query, status)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending jobs", err)
	}
	defer rows.Close()

	var jobs []*models.PendingJob
	for rows.Next() {
		job, err := scanPendingJob(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan pending job", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list pending jobs", err)
	}
	return jobs, nil
}

// CountPendingJobsByStatus returns the number of jobs with the given status.
func (r *Repository) CountPendingJobsByStatus(status models.JobStatus) (int, error) {
	db, err := r.store.Get()
	if err != nil {
		return 0, err
	}

	stmt, err := r.prepareStmt(db, "SELECT COUNT(*) FROM pending_jobs WHERE status = ?")
	if err != nil {
		return 0, err
	}

	var count int
	if err := stmt.QueryRow(status).Scan(&count); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to count pending jobs", err)
	}
	return count, nil
}

// UpdatePendingJob merges the provided fields into an existing record and
// returns the updated job. Missing records are a NOT_FOUND error: updates
// address a record the caller has already seen.
func (r *Repository) UpdatePendingJob(localID int64, updates PendingJobUpdate) (*models.PendingJob, error) {
	job, err := r.GetPendingJob(localID)
	if err != nil {
		return nil, err
	}

	if updates.Status != nil {
		job.Status = *updates.Status
	}
	if updates.Attempts != nil {
		job.Attempts = *updates.Attempts
	}
	if updates.LastError != nil {
		job.LastError = *updates.LastError
	}
	if updates.ReservedJobID != nil {
		job.ReservedJobID = *updates.ReservedJobID
	}

	db, err := r.store.Get()
	if err != nil {
		return nil, err
	}

	query := `
	UPDATE pending_jobs
	SET status = ?, attempts = ?, last_error = ?, reserved_job_id = ?
	WHERE local_id = ?
	`
	_, err = db.Exec(query, job.Status, job.Attempts,
		nullableString(job.LastError), nullableString(job.ReservedJobID), localID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to update pending job", err)
	}

	return job, nil
}

// DeletePendingJob removes a record. Deleting a record that does not exist
// is not an error.
func (r *Repository) DeletePendingJob(localID int64) error {
	db, err := r.store.Get()
	if err != nil {
		return err
	}

	_, err = db.Exec("DELETE FROM pending_jobs WHERE local_id = ?", localID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to delete pending job", err)
	}
	return nil
}

// ResetSyncingJobs returns records stranded in the syncing state (by a
// crash or page close mid-drain) to pending so the next drain picks them
// up. Returns the number of records touched.
func (r *Repository) ResetSyncingJobs() (int64, error) {
	db, err := r.store.Get()
	if err != nil {
		return 0, err
	}

	res, err := db.Exec("UPDATE pending_jobs SET status = ? WHERE status = ?",
		models.JobStatusPending, models.JobStatusSyncing)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to reset syncing jobs", err)
	}
	return res.RowsAffected()
}

// scanner abstracts sql.Row and sql.Rows for scanPendingJob.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPendingJob(s scanner) (*models.PendingJob, error) {
	var job models.PendingJob
	var payload string
	var lastError, reservedJobID sql.NullString

	err := s.Scan(&job.LocalID, &payload, &job.Status, &job.CreatedAt,
		&job.Attempts, &lastError, &reservedJobID)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &job.JobData); err != nil {
		return nil, fmt.Errorf("corrupt job data for local id %d: %w", job.LocalID, err)
	}
	if lastError.Valid {
		job.LastError = lastError.String
	}
	if reservedJobID.Valid {
		job.ReservedJobID = reservedJobID.String
	}
	return &job, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// =====================================================
// Data Cache Operations
// =====================================================

// PutCache upserts a cached snapshot under the given key.
func (r *Repository) PutCache(key string, data json.RawMessage) error {
	db, err := r.store.Get()
	if err != nil {
		return err
	}

	query := `
	INSERT INTO data_cache (key, data, cached_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET data = excluded.data, cached_at = excluded.cached_at
	`
	_, err = db.Exec(query, key, string(data), time.Now().Unix())
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to cache data", err)
	}
	return nil
}

// GetCache retrieves a cached snapshot. Returns sql.ErrNoRows when the key
// has never been cached.
func (r *Repository) GetCache(key string) (*models.CacheEntry, error) {
	db, err := r.store.Get()
	if err != nil {
		return nil, err
	}

	stmt, err := r.prepareStmt(db, "SELECT key, data, cached_at FROM data_cache WHERE key = ?")
	if err != nil {
		return nil, err
	}

	var entry models.CacheEntry
	var data string
	err = stmt.QueryRow(key).Scan(&entry.Key, &data, &entry.CachedAt)
	if err != nil {
		return nil, err
	}
	entry.Data = json.RawMessage(data)
	return &entry, nil
}
