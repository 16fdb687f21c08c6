package queue

import (
	"testing"
	"time"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

func newTestRepo(t *testing.T) (*Repository, *clock.Manual) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	c := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewWithClock(store, c), c
}

func TestAddThenClaim(t *testing.T) {
	repo, _ := newTestRepo(t)

	added, err := repo.Add("ws-a", "bead-1", 5, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if added.Entry.Status != queuestate.Pending {
		t.Fatalf("expected pending, got %s", added.Entry.Status)
	}
	if added.Position != 1 || added.TotalPending != 1 {
		t.Fatalf("expected position 1 of 1, got %d of %d", added.Position, added.TotalPending)
	}

	claimed, err := repo.NextWithLock("agent-1", DefaultLockTTL)
	if err != nil {
		t.Fatalf("NextWithLock: %v", err)
	}
	if claimed == nil || claimed.Workspace != "ws-a" {
		t.Fatalf("expected ws-a claimed, got %+v", claimed)
	}
	if claimed.Status != queuestate.Claimed {
		t.Fatalf("expected claimed, got %s", claimed.Status)
	}
	if claimed.AgentID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", claimed.AgentID)
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	repo, c := newTestRepo(t)

	if _, err := repo.Add("ws-1", "", 5, ""); err != nil {
		t.Fatalf("Add ws-1: %v", err)
	}
	c.Advance(time.Second)
	if _, err := repo.Add("ws-2", "", 5, ""); err != nil {
		t.Fatalf("Add ws-2: %v", err)
	}
	c.Advance(time.Second)
	if _, err := repo.Add("ws-3", "", 1, ""); err != nil {
		t.Fatalf("Add ws-3: %v", err)
	}

	next, err := repo.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if next.Workspace != "ws-3" {
		t.Fatalf("expected ws-3 (lower priority number first), got %s", next.Workspace)
	}

	claimed, err := repo.NextWithLock("agent-1", DefaultLockTTL)
	if err != nil {
		t.Fatalf("NextWithLock: %v", err)
	}
	if claimed.Workspace != "ws-3" {
		t.Fatalf("expected ws-3 claimed first, got %s", claimed.Workspace)
	}

	next, err = repo.Next()
	if err != nil {
		t.Fatalf("Next after claim: %v", err)
	}
	if next.Workspace != "ws-1" {
		t.Fatalf("expected ws-1 (earlier arrival within equal priority), got %s", next.Workspace)
	}
}

func TestSingleWorkerLockConflict(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := repo.AcquireProcessingLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := repo.NextWithLock("agent-2", DefaultLockTTL); err == nil {
		t.Fatal("expected conflict when a second agent contends for the lock")
	}
}

func TestLockExpiresAndIsStealable(t *testing.T) {
	repo, c := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.AcquireProcessingLock("agent-1", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	c.Advance(2 * time.Minute)
	stale, err := repo.IsLockStale()
	if err != nil || !stale {
		t.Fatalf("expected stale lock, got stale=%v err=%v", stale, err)
	}

	claimed, err := repo.NextWithLock("agent-2", DefaultLockTTL)
	if err != nil {
		t.Fatalf("expected agent-2 to steal the expired lock, got %v", err)
	}
	if claimed.AgentID != "agent-2" {
		t.Fatalf("expected agent-2 to claim, got %s", claimed.AgentID)
	}
}

func TestDedupeKeyReleasedOnTerminal(t *testing.T) {
	repo, _ := newTestRepo(t)

	if _, err := repo.AddWithDedupe("ws-a", "", 5, "", "dk-1"); err != nil {
		t.Fatalf("AddWithDedupe: %v", err)
	}
	if _, err := repo.AddWithDedupe("ws-b", "", 5, "", "dk-1"); err != nil {
		t.Fatalf("expected idempotent AddWithDedupe to succeed: %v", err)
	}

	if _, err := repo.TransitionTo("ws-a", queuestate.Cancelled); err != nil {
		t.Fatalf("TransitionTo cancelled: %v", err)
	}

	res, err := repo.AddWithDedupe("ws-c", "", 5, "", "dk-1")
	if err != nil {
		t.Fatalf("expected dedupe key reusable after terminal: %v", err)
	}
	if res.Entry.Workspace != "ws-c" {
		t.Fatalf("expected a fresh entry for ws-c, got %s", res.Entry.Workspace)
	}
}

func TestTransitionToFailedClassification(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}

	entry, err := repo.TransitionToFailed("ws-a", "rebase conflict", true)
	if err != nil {
		t.Fatalf("TransitionToFailed: %v", err)
	}
	if entry.Status != queuestate.FailedRetryable {
		t.Fatalf("expected failed_retryable on first retryable failure, got %s", entry.Status)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1, got %d", entry.AttemptCount)
	}

	if _, err := repo.RetryEntry(entry.ID); err != nil {
		t.Fatalf("RetryEntry: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	entry, err = repo.TransitionToFailed("ws-a", "rebase conflict again", true)
	if err != nil {
		t.Fatalf("TransitionToFailed 2: %v", err)
	}
	if entry.Status != queuestate.FailedRetryable || entry.AttemptCount != 2 {
		t.Fatalf("expected failed_retryable attempt 2, got %s attempt=%d", entry.Status, entry.AttemptCount)
	}

	if _, err := repo.RetryEntry(entry.ID); err != nil {
		t.Fatalf("RetryEntry 2: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("re-claim 2: %v", err)
	}
	entry, err = repo.TransitionToFailed("ws-a", "rebase conflict final", true)
	if err != nil {
		t.Fatalf("TransitionToFailed 3: %v", err)
	}
	if entry.Status != queuestate.FailedTerminal {
		t.Fatalf("expected failed_terminal once max_attempts reached, got %s", entry.Status)
	}
}

func TestMergingCannotBeCancelled(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, s := range []queuestate.Status{queuestate.Rebasing, queuestate.Testing, queuestate.ReadyToMerge, queuestate.Merging} {
		if _, err := repo.TransitionTo("ws-a", s); err != nil {
			t.Fatalf("TransitionTo %s: %v", s, err)
		}
	}
	if _, err := repo.CancelEntry(1); err == nil {
		t.Fatal("expected cancellation to be rejected once merging")
	}
}

func TestReclaimStaleReturnsToPendingWithAttemptIncrement(t *testing.T) {
	repo, c := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}

	c.Advance(10 * time.Minute)
	stats, err := repo.ReclaimStale(5 * time.Minute)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if stats.Reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", stats.Reclaimed)
	}

	entry, err := repo.GetByWorkspace("ws-a")
	if err != nil {
		t.Fatalf("GetByWorkspace: %v", err)
	}
	if entry.Status != queuestate.Pending {
		t.Fatalf("expected pending after reclaim, got %s", entry.Status)
	}
	if entry.AttemptCount != 1 {
		t.Fatalf("expected attempt_count 1 after reclaim, got %d", entry.AttemptCount)
	}
	if entry.AgentID != "" {
		t.Fatalf("expected agent_id cleared after reclaim, got %q", entry.AgentID)
	}
}

func TestReclaimStaleFromTestingFallsBackToFailedRetryable(t *testing.T) {
	repo, c := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := repo.TransitionTo("ws-a", queuestate.Rebasing); err != nil {
		t.Fatalf("TransitionTo rebasing: %v", err)
	}
	if _, err := repo.TransitionTo("ws-a", queuestate.Testing); err != nil {
		t.Fatalf("TransitionTo testing: %v", err)
	}

	c.Advance(10 * time.Minute)
	if _, err := repo.ReclaimStale(5 * time.Minute); err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}

	entry, err := repo.GetByWorkspace("ws-a")
	if err != nil {
		t.Fatalf("GetByWorkspace: %v", err)
	}
	if entry.Status != queuestate.FailedRetryable {
		t.Fatalf("expected failed_retryable (testing has no direct edge to pending), got %s", entry.Status)
	}
}

func TestReturnToRebasingOnStaleMainline(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, s := range []queuestate.Status{queuestate.Rebasing, queuestate.Testing, queuestate.ReadyToMerge} {
		if _, err := repo.TransitionTo("ws-a", s); err != nil {
			t.Fatalf("TransitionTo %s: %v", s, err)
		}
	}
	if err := repo.UpdateRebaseMetadata("ws-a", "sha-old", "sha-old"); err != nil {
		t.Fatalf("UpdateRebaseMetadata: %v", err)
	}

	fresh, err := repo.IsFresh("ws-a", "sha-new")
	if err != nil {
		t.Fatalf("IsFresh: %v", err)
	}
	if fresh {
		t.Fatal("expected stale against a new mainline sha")
	}

	entry, err := repo.ReturnToRebasing("ws-a", "sha-new")
	if err != nil {
		t.Fatalf("ReturnToRebasing: %v", err)
	}
	if entry.Status != queuestate.Rebasing {
		t.Fatalf("expected rebasing, got %s", entry.Status)
	}
}

func TestStackChildrenAndCascade(t *testing.T) {
	repo, _ := newTestRepo(t)
	for _, ws := range []string{"base", "mid", "top"} {
		if _, err := repo.Add(ws, "", 5, ""); err != nil {
			t.Fatalf("Add %s: %v", ws, err)
		}
	}
	if _, err := repo.SetParent("mid", "base"); err != nil {
		t.Fatalf("SetParent mid: %v", err)
	}
	if _, err := repo.SetParent("top", "mid"); err != nil {
		t.Fatalf("SetParent top: %v", err)
	}

	children, err := repo.GetChildren("base")
	if err != nil {
		t.Fatalf("GetChildren: %v", err)
	}
	if len(children) != 1 || children[0].Workspace != "mid" {
		t.Fatalf("expected [mid], got %+v", children)
	}

	root, err := repo.GetStackRoot("top")
	if err != nil {
		t.Fatalf("GetStackRoot: %v", err)
	}
	if root != "base" {
		t.Fatalf("expected stack root base, got %s", root)
	}

	blocked, err := repo.FindBlocked()
	if err != nil {
		t.Fatalf("FindBlocked: %v", err)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected mid and top both blocked on base, got %d", len(blocked))
	}

	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim base: %v", err)
	}
	for _, s := range []queuestate.Status{queuestate.Rebasing, queuestate.Testing, queuestate.ReadyToMerge, queuestate.Merging} {
		if _, err := repo.TransitionTo("base", s); err != nil {
			t.Fatalf("TransitionTo base %s: %v", s, err)
		}
	}
	if _, err := repo.CompleteMerge("base", "sha-final"); err != nil {
		t.Fatalf("CompleteMerge: %v", err)
	}

	unblocked, err := repo.CascadeUnblock("base")
	if err != nil {
		t.Fatalf("CascadeUnblock: %v", err)
	}
	if len(unblocked) != 1 || unblocked[0].Workspace != "mid" {
		t.Fatalf("expected [mid] unblocked, got %+v", unblocked)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	repo, _ := newTestRepo(t)
	if _, err := repo.Add("ws-a", "", 5, ""); err != nil {
		t.Fatalf("Add ws-a: %v", err)
	}
	if _, err := repo.Add("ws-b", "", 5, ""); err != nil {
		t.Fatalf("Add ws-b: %v", err)
	}
	if _, err := repo.NextWithLock("agent-1", DefaultLockTTL); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := repo.List(queuestate.Pending)
	if err != nil {
		t.Fatalf("List pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending entry, got %d", len(pending))
	}

	all, err := repo.List("")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries total, got %d", len(all))
	}
}
