package reconciler

import (
	"testing"
	"time"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

func newTestRepo(t *testing.T) (*queue.Repository, *clock.Manual) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return queue.NewWithClock(store, c), c
}

func TestReconcilerReclaimsStaleClaim(t *testing.T) {
	repo, c := newTestRepo(t)

	if _, err := repo.Add("ws-a", "bead-1", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("worker-1", time.Hour); err != nil {
		t.Fatalf("NextWithLock: %v", err)
	}
	if _, err := repo.TransitionTo("ws-a", queuestate.Rebasing); err != nil {
		t.Fatalf("TransitionTo: %v", err)
	}

	c.Advance(10 * time.Minute)

	r := NewReconciler(repo, 5*time.Minute, 5*time.Millisecond)
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()

	entry, err := repo.GetByWorkspace("ws-a")
	if err != nil {
		t.Fatalf("GetByWorkspace: %v", err)
	}
	if entry.Status != queuestate.FailedRetryable {
		t.Fatalf("expected reclaimed rebasing entry in failed_retryable, got %s", entry.Status)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("expected attempt_count bumped to 1, got %d", entry.AttemptCount)
	}
}

func TestReconcilerDefaultsInterval(t *testing.T) {
	repo, _ := newTestRepo(t)
	r := NewReconciler(repo, time.Minute, 0)
	if r.interval != DefaultInterval {
		t.Fatalf("expected default interval %s, got %s", DefaultInterval, r.interval)
	}
}
