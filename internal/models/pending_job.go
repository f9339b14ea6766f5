// Package models provides data model definitions for the workshop companion.
package models

// JobStatus represents the sync lifecycle state of a pending job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusSyncing JobStatus = "syncing"
	// JobStatusSynced is the conceptual exit state. A record is deleted on
	// successful submission, so this value is never persisted.
	JobStatusSynced JobStatus = "synced"
	// JobStatusFailed is reserved for a future capped-retry policy. The
	// current policy retries indefinitely, so it is never assigned.
	JobStatusFailed JobStatus = "failed"
)

// PendingJob represents one job submission awaiting transmission to the
// remote booking backend. LocalID is assigned by the store and is never
// reused within a database instance.
type PendingJob struct {
	LocalID       int64                  `db:"local_id" json:"localId"`
	JobData       map[string]interface{} `db:"job_data" json:"jobData"`
	Status        JobStatus              `db:"status" json:"status"`
	CreatedAt     int64                  `db:"created_at" json:"createdAt"`
	Attempts      int                    `db:"attempts" json:"attempts"`
	LastError     string                 `db:"last_error" json:"lastError,omitempty"`
	ReservedJobID string                 `db:"reserved_job_id" json:"reservedJobId,omitempty"`
}

// TableName returns the table name for PendingJob.
func (PendingJob) TableName() string {
	return "pending_jobs"
}
