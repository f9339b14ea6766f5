// Package jobs serves the kanban job list, live when online and from the
// last cached snapshot when not.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	apperrors "github.com/grannygear/workshop/internal/errors"
	"github.com/grannygear/workshop/internal/logging"
)

// cacheKey is the data_cache key holding the last fetched job list.
const cacheKey = "jobs"

// Lister fetches the current job list from the booking backend.
type Lister interface {
	GetJobs(ctx context.Context) (json.RawMessage, error)
}

// SnapshotService fetches the job list and keeps the last successful
// response in the data cache for offline display.
type SnapshotService struct {
	repo    *db.Repository
	remote  Lister
	monitor *connectivity.Monitor
}

// NewSnapshotService creates a SnapshotService.
func NewSnapshotService(repo *db.Repository, remote Lister, monitor *connectivity.Monitor) *SnapshotService {
	return &SnapshotService{repo: repo, remote: remote, monitor: monitor}
}

// Snapshot is a job list with its provenance.
type Snapshot struct {
	Jobs      json.RawMessage `json:"jobs"`
	FromCache bool            `json:"fromCache"`
	CachedAt  int64           `json:"cachedAt,omitempty"`
}

// Jobs returns the job list. Online, it fetches from the backend and
// refreshes the cached snapshot; a fetch failure or offline state falls
// back to the snapshot. With no snapshot available either, the error from
// the remote (or a NOT_FOUND for the never-fetched case) is returned.
func (s *SnapshotService) Jobs(ctx context.Context) (*Snapshot, error) {
	var fetchErr error
	if s.monitor.Online() {
		data, err := s.remote.GetJobs(ctx)
		if err == nil {
			if cacheErr := s.repo.PutCache(cacheKey, data); cacheErr != nil {
				// Serving stale data later beats failing the live request now
				logging.Warn("failed to cache job snapshot",
					map[string]interface{}{"error": cacheErr.Error()})
			}
			return &Snapshot{Jobs: data}, nil
		}
		fetchErr = err
		logging.Warn("job fetch failed, falling back to cached snapshot",
			map[string]interface{}{"error": err.Error()})
	}

	entry, err := s.repo.GetCache(cacheKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if fetchErr != nil {
				return nil, fetchErr
			}
			return nil, apperrors.New(apperrors.ErrNotFound, "no cached job snapshot available")
		}
		return nil, err
	}

	return &Snapshot{
		Jobs:      entry.Data,
		FromCache: true,
		CachedAt:  entry.CachedAt,
	}, nil
}
