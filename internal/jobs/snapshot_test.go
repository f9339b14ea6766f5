package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	apperrors "github.com/grannygear/workshop/internal/errors"
)

type fakeLister struct {
	jobs  json.RawMessage
	err   error
	calls int
}

func (f *fakeLister) GetJobs(ctx context.Context) (json.RawMessage, error) {
	f.calls++
	return f.jobs, f.err
}

func newTestService(t *testing.T, online bool, lister *fakeLister) (*SnapshotService, *db.Repository) {
	t.Helper()
	store := db.NewStore(t.TempDir())
	repo := db.NewRepository(store)
	t.Cleanup(func() {
		repo.Close()
		store.Close()
	})
	return NewSnapshotService(repo, lister, connectivity.NewMonitor(online)), repo
}

func TestJobsOnlineFetchesAndCaches(t *testing.T) {
	lister := &fakeLister{jobs: json.RawMessage(`[{"id":"GG-001"}]`)}
	svc, repo := newTestService(t, true, lister)

	snap, err := svc.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs() failed: %v", err)
	}
	if snap.FromCache {
		t.Error("live fetch should not report fromCache")
	}
	if string(snap.Jobs) != `[{"id":"GG-001"}]` {
		t.Errorf("jobs = %s", snap.Jobs)
	}

	// The fetch refreshed the cached snapshot
	entry, err := repo.GetCache(cacheKey)
	if err != nil {
		t.Fatalf("snapshot not cached: %v", err)
	}
	if string(entry.Data) != `[{"id":"GG-001"}]` {
		t.Errorf("cached data = %s", entry.Data)
	}
}

func TestJobsOfflineServesCache(t *testing.T) {
	lister := &fakeLister{}
	svc, repo := newTestService(t, false, lister)

	if err := repo.PutCache(cacheKey, json.RawMessage(`[{"id":"GG-002"}]`)); err != nil {
		t.Fatal(err)
	}

	snap, err := svc.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs() failed: %v", err)
	}
	if !snap.FromCache {
		t.Error("offline response should report fromCache")
	}
	if snap.CachedAt == 0 {
		t.Error("cachedAt not set on cached response")
	}
	if lister.calls != 0 {
		t.Errorf("remote called %d times while offline, want 0", lister.calls)
	}
}

func TestJobsFetchFailureFallsBackToCache(t *testing.T) {
	lister := &fakeLister{err: errors.New("backend down")}
	svc, repo := newTestService(t, true, lister)

	if err := repo.PutCache(cacheKey, json.RawMessage(`[{"id":"GG-003"}]`)); err != nil {
		t.Fatal(err)
	}

	snap, err := svc.Jobs(context.Background())
	if err != nil {
		t.Fatalf("Jobs() should fall back to cache: %v", err)
	}
	if !snap.FromCache {
		t.Error("fallback response should report fromCache")
	}
	if string(snap.Jobs) != `[{"id":"GG-003"}]` {
		t.Errorf("jobs = %s", snap.Jobs)
	}
}

func TestJobsFetchFailureNoCacheReturnsFetchError(t *testing.T) {
	fetchErr := errors.New("backend down")
	lister := &fakeLister{err: fetchErr}
	svc, _ := newTestService(t, true, lister)

	_, err := svc.Jobs(context.Background())
	if !errors.Is(err, fetchErr) {
		t.Errorf("error = %v, want the fetch error", err)
	}
}

func TestJobsOfflineNeverFetched(t *testing.T) {
	svc, _ := newTestService(t, false, &fakeLister{})

	_, err := svc.Jobs(context.Background())
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("error = %v, want NOT_FOUND", err)
	}
}
