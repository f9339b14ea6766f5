package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"testing"
	"time"

	"github.com/grannygear/workshop/internal/connectivity"
	"github.com/grannygear/workshop/internal/db"
	"github.com/grannygear/workshop/internal/models"
)

// fakeRemote is a scriptable RemoteService.
type fakeRemote struct {
	mu stdsync.Mutex

	reserveErr error
	submitErr  error

	reserveCalls int
	submitCalls  int
	nextID       int
	position     int

	submitted []map[string]interface{}

	// When set, SubmitJob signals entered and waits for release.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeRemote) ReserveJobID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	if f.reserveErr != nil {
		return "", f.reserveErr
	}
	f.nextID++
	return fmt.Sprintf("GG-%03d", f.nextID), nil
}

func (f *fakeRemote) SubmitJob(ctx context.Context, jobData map[string]interface{}) (int, error) {
	f.mu.Lock()
	entered, release := f.entered, f.release
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.submitted = append(f.submitted, jobData)
	return f.position, nil
}

func (f *fakeRemote) setErrors(reserveErr, submitErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveErr = reserveErr
	f.submitErr = submitErr
}

func (f *fakeRemote) counts() (reserves, submits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveCalls, f.submitCalls
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu       stdsync.Mutex
	badges   []int
	started  []int
	finished [][2]int
}

func (n *recordingNotifier) PendingCountChanged(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.badges = append(n.badges, count)
}

func (n *recordingNotifier) SyncStarted(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, count)
}

func (n *recordingNotifier) SyncFinished(synced, failed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, [2]int{synced, failed})
}

func (n *recordingNotifier) lastBadge(t *testing.T) int {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.badges) == 0 {
		t.Fatal("no badge updates recorded")
	}
	return n.badges[len(n.badges)-1]
}

func newTestEngine(t *testing.T, online bool) (*Engine, *db.Repository, *fakeRemote, *recordingNotifier) {
	t.Helper()
	store := db.NewStore(t.TempDir())
	repo := db.NewRepository(store)
	t.Cleanup(func() {
		repo.Close()
		store.Close()
	})

	remote := &fakeRemote{position: 3}
	notifier := &recordingNotifier{}
	engine := NewEngine(repo, remote, connectivity.NewMonitor(online), notifier)
	return engine, repo, remote, notifier
}

func sampleJobData() map[string]interface{} {
	return map[string]interface{}{
		"customerName": "Grace",
		"bikeModel":    "Surly Long Haul Trucker",
		"issue":        "worn chain",
	}
}

func TestSubmitOnline(t *testing.T) {
	engine, repo, remote, _ := newTestEngine(t, true)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if outcome.Mode != SubmitModeOnline {
		t.Errorf("mode = %q, want online", outcome.Mode)
	}
	if outcome.JobID != "GG-001" {
		t.Errorf("job id = %q, want GG-001", outcome.JobID)
	}
	if outcome.QueuePosition != 3 {
		t.Errorf("queue position = %d, want 3", outcome.QueuePosition)
	}

	// The submitted payload carries the reserved identifier
	if remote.submitted[0]["jobId"] != "GG-001" {
		t.Errorf("submitted jobId = %v, want GG-001", remote.submitted[0]["jobId"])
	}

	count, err := repo.CountPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pending count = %d, want 0 after direct submission", count)
	}
}

func TestSubmitOfflineQueues(t *testing.T) {
	engine, repo, remote, notifier := newTestEngine(t, false)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatalf("Submit() failed: %v", err)
	}

	if outcome.Mode != SubmitModeOffline {
		t.Errorf("mode = %q, want offline", outcome.Mode)
	}
	if outcome.LocalID <= 0 {
		t.Errorf("local id = %d, want > 0", outcome.LocalID)
	}
	if outcome.Message != "Job saved offline - will sync when connected" {
		t.Errorf("message = %q", outcome.Message)
	}

	// Offline submission never touches the remote
	reserves, submits := remote.counts()
	if reserves != 0 || submits != 0 {
		t.Errorf("remote called offline: %d reserves, %d submits", reserves, submits)
	}

	job, err := repo.GetPendingJob(outcome.LocalID)
	if err != nil {
		t.Fatalf("queued record not readable: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("queued status = %q, want pending", job.Status)
	}

	if got := notifier.lastBadge(t); got != 1 {
		t.Errorf("badge = %d, want 1", got)
	}
}

func TestSubmitFallsBackToQueueOnRemoteFailure(t *testing.T) {
	engine, repo, remote, _ := newTestEngine(t, true)
	remote.setErrors(errors.New("backend down"), nil)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatalf("Submit() should fall back, not fail: %v", err)
	}
	if outcome.Mode != SubmitModeOffline {
		t.Errorf("mode = %q, want offline fallback", outcome.Mode)
	}

	count, err := repo.CountPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("pending count = %d, want 1", count)
	}
}

func TestDrainSuccess(t *testing.T) {
	engine, repo, remote, notifier := newTestEngine(t, false)

	for i := 0; i < 2; i++ {
		if _, err := engine.Submit(context.Background(), sampleJobData()); err != nil {
			t.Fatal(err)
		}
	}

	engine.monitor.Set(true)
	result, err := engine.SyncPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("SyncPendingJobs() failed: %v", err)
	}

	if result.Synced != 2 || result.Failed != 0 {
		t.Errorf("result = %+v, want 2 synced / 0 failed", result)
	}

	count, err := repo.CountPendingJobsByStatus(models.JobStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("pending count after drain = %d, want 0", count)
	}

	// Sequential reserve-then-submit, fresh identifier per record
	if remote.submitted[0]["jobId"] != "GG-001" || remote.submitted[1]["jobId"] != "GG-002" {
		t.Errorf("submitted ids = %v, %v", remote.submitted[0]["jobId"], remote.submitted[1]["jobId"])
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.started) != 1 || notifier.started[0] != 2 {
		t.Errorf("SyncStarted = %v, want [2]", notifier.started)
	}
	if len(notifier.finished) != 1 || notifier.finished[0] != [2]int{2, 0} {
		t.Errorf("SyncFinished = %v, want [[2 0]]", notifier.finished)
	}
	if notifier.badges[len(notifier.badges)-1] != 0 {
		t.Errorf("final badge = %d, want 0", notifier.badges[len(notifier.badges)-1])
	}
}

func TestDrainOfflineIsNoop(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t, false)

	if _, err := engine.Submit(context.Background(), sampleJobData()); err != nil {
		t.Fatal(err)
	}

	result, err := engine.SyncPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("SyncPendingJobs() offline returned error: %v", err)
	}
	if result != nil {
		t.Errorf("offline drain result = %+v, want nil", result)
	}

	reserves, _ := remote.counts()
	if reserves != 0 {
		t.Errorf("offline drain reserved %d identifiers, want 0", reserves)
	}
}

func TestDrainRecordsFailureAndKeepsRecord(t *testing.T) {
	engine, repo, remote, notifier := newTestEngine(t, false)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatal(err)
	}

	remote.setErrors(nil, errors.New("network timeout"))
	engine.monitor.Set(true)

	result, err := engine.SyncPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("SyncPendingJobs() failed: %v", err)
	}
	if result.Synced != 0 || result.Failed != 1 {
		t.Errorf("result = %+v, want 0 synced / 1 failed", result)
	}

	job, err := repo.GetPendingJob(outcome.LocalID)
	if err != nil {
		t.Fatalf("failed record should remain queued: %v", err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %q, want pending", job.Status)
	}
	if job.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", job.Attempts)
	}
	if job.LastError != "network timeout" {
		t.Errorf("last error = %q, want \"network timeout\"", job.LastError)
	}

	// Badge still shows the record
	if got := notifier.lastBadge(t); got != 1 {
		t.Errorf("badge = %d, want 1", got)
	}
}

func TestDrainReserveFailureSkipsSubmit(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t, false)

	if _, err := engine.Submit(context.Background(), sampleJobData()); err != nil {
		t.Fatal(err)
	}

	remote.setErrors(errors.New("reserve unavailable"), nil)
	engine.monitor.Set(true)

	if _, err := engine.SyncPendingJobs(context.Background()); err != nil {
		t.Fatal(err)
	}

	reserves, submits := remote.counts()
	if reserves != 1 {
		t.Errorf("reserve calls = %d, want 1", reserves)
	}
	if submits != 0 {
		t.Errorf("submit called %d times after failed reservation, want 0", submits)
	}
}

func TestDrainRetryReservesFreshIdentifier(t *testing.T) {
	engine, repo, remote, _ := newTestEngine(t, false)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatal(err)
	}

	// First drain fails at submit: GG-001 is reserved and orphaned
	remote.setErrors(nil, errors.New("network timeout"))
	engine.monitor.Set(true)
	if _, err := engine.SyncPendingJobs(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Second drain succeeds with a fresh identifier
	remote.setErrors(nil, nil)
	result, err := engine.SyncPendingJobs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Synced != 1 {
		t.Fatalf("retry result = %+v, want 1 synced", result)
	}

	if remote.submitted[0]["jobId"] != "GG-002" {
		t.Errorf("retry submitted with %v, want fresh GG-002", remote.submitted[0]["jobId"])
	}

	if _, err := repo.GetPendingJob(outcome.LocalID); err == nil {
		t.Error("synced record should be deleted")
	}
}

func TestDrainSingleFlight(t *testing.T) {
	engine, _, remote, _ := newTestEngine(t, false)

	if _, err := engine.Submit(context.Background(), sampleJobData()); err != nil {
		t.Fatal(err)
	}

	remote.mu.Lock()
	remote.entered = make(chan struct{})
	remote.release = make(chan struct{})
	remote.mu.Unlock()

	engine.monitor.Set(true)

	type drainOutcome struct {
		result *DrainResult
		err    error
	}
	first := make(chan drainOutcome, 1)
	go func() {
		result, err := engine.SyncPendingJobs(context.Background())
		first <- drainOutcome{result, err}
	}()

	// Wait until the first drain is inside SubmitJob
	select {
	case <-remote.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never reached SubmitJob")
	}

	// A second drain while one is in flight is dropped
	result, err := engine.SyncPendingJobs(context.Background())
	if err != nil {
		t.Fatalf("overlapping SyncPendingJobs() returned error: %v", err)
	}
	if result != nil {
		t.Errorf("overlapping drain result = %+v, want nil", result)
	}

	remote.mu.Lock()
	remote.entered = nil
	remote.mu.Unlock()
	close(remote.release)

	select {
	case out := <-first:
		if out.err != nil {
			t.Fatalf("first drain failed: %v", out.err)
		}
		if out.result.Synced != 1 {
			t.Errorf("first drain result = %+v, want 1 synced", out.result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("first drain never finished")
	}

	_, submits := remote.counts()
	if submits != 1 {
		t.Errorf("submit calls = %d, want 1 (second drain must not duplicate)", submits)
	}
}

func TestStartResetsInterruptedSync(t *testing.T) {
	engine, repo, _, _ := newTestEngine(t, false)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-drain
	syncing := models.JobStatusSyncing
	if _, err := repo.UpdatePendingJob(outcome.LocalID, db.PendingJobUpdate{Status: &syncing}); err != nil {
		t.Fatal(err)
	}

	if err := engine.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	job, err := repo.GetPendingJob(outcome.LocalID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status after Start() = %q, want pending", job.Status)
	}
}

func TestRemoveRefreshesBadge(t *testing.T) {
	engine, _, _, notifier := newTestEngine(t, false)

	outcome, err := engine.Submit(context.Background(), sampleJobData())
	if err != nil {
		t.Fatal(err)
	}

	if err := engine.Remove(outcome.LocalID); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if got := notifier.lastBadge(t); got != 0 {
		t.Errorf("badge after remove = %d, want 0", got)
	}

	// Removing an absent record is not an error
	if err := engine.Remove(outcome.LocalID); err != nil {
		t.Errorf("repeated Remove() failed: %v", err)
	}
}
