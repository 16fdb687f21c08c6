package purequeue

import (
	"testing"

	"github.com/cuemby/mergequeue/pkg/queuestate"
)

func TestNewQueueIsEmpty(t *testing.T) {
	q := New()
	if !q.IsEmpty() || q.Len() != 0 {
		t.Fatal("expected a fresh queue to be empty")
	}
}

func TestAddRejectsDuplicateWorkspace(t *testing.T) {
	q := New()
	q, err := q.Add("ws-a", 0, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Add("ws-a", 0, ""); err == nil {
		t.Fatal("expected DuplicateWorkspace error")
	} else if e, ok := err.(*Error); !ok || e.Kind != ErrDuplicateWorkspace {
		t.Fatalf("expected ErrDuplicateWorkspace, got %v", err)
	}
}

func TestAddRejectsDuplicateActiveDedupeKey(t *testing.T) {
	q := New()
	q, err := q.Add("ws-a", 0, "key1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := q.Add("ws-b", 0, "key1"); err == nil {
		t.Fatal("expected DuplicateDedupeKey error")
	} else if e, ok := err.(*Error); !ok || e.Kind != ErrDuplicateDedupeKey {
		t.Fatalf("expected ErrDuplicateDedupeKey, got %v", err)
	}
}

func TestAddAllowsDedupeKeyReuseAfterTerminal(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 0, "key1")
	q, _, err := q.ClaimNext("agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	q, err = q.TransitionStatus("ws-a", queuestate.Rebasing)
	if err != nil {
		t.Fatalf("transition to rebasing: %v", err)
	}
	q, err = q.TransitionStatus("ws-a", queuestate.FailedTerminal)
	if err != nil {
		t.Fatalf("transition to failed_terminal: %v", err)
	}
	if _, err := q.Add("ws-b", 0, "key1"); err != nil {
		t.Fatalf("expected dedupe key to be free after terminal transition, got %v", err)
	}
}

// Scenario S1 "Add then claim" from the coordinator's end-to-end scenarios.
func TestScenarioAddThenClaim(t *testing.T) {
	q := New()
	q, err := q.Add("ws-high", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	q, err = q.Add("ws-low", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	q, err = q.Add("ws-mid", 5, "")
	if err != nil {
		t.Fatal(err)
	}

	q, ws, err := q.ClaimNext("agent-1")
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if ws != "ws-high" {
		t.Fatalf("expected ws-high claimed first, got %s", ws)
	}

	entry, ok := q.Get("ws-high")
	if !ok || entry.Status != queuestate.Claimed || entry.ClaimedBy != "agent-1" {
		t.Fatalf("unexpected entry state: %+v", entry)
	}
	if q.LockHolder() != "agent-1" {
		t.Fatalf("expected lock held by agent-1, got %q", q.LockHolder())
	}
}

// Scenario S2 "FIFO within priority".
func TestScenarioFIFOWithinPriority(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-first", 5, "")
	q, _ = q.Add("ws-second", 5, "")

	q, ws, err := q.ClaimNext("agent-1")
	if err != nil || ws != "ws-first" {
		t.Fatalf("expected ws-first, got %s err=%v", ws, err)
	}

	q, err = q.Release("ws-first")
	if err != nil {
		t.Fatalf("release: %v", err)
	}

	_, ws, err = q.ClaimNext("agent-2")
	if err != nil || ws != "ws-second" {
		t.Fatalf("expected ws-second, got %s err=%v", ws, err)
	}
}

// Scenario S3 "Single worker".
func TestScenarioSingleWorkerLock(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 5, "")
	q, _ = q.Add("ws-b", 5, "")

	q, _, err := q.ClaimNext("agent-1")
	if err != nil {
		t.Fatalf("first claim should succeed: %v", err)
	}

	_, _, err = q.ClaimNext("agent-2")
	if err == nil {
		t.Fatal("expected second agent's claim to fail while lock is held")
	}
	e, ok := err.(*Error)
	if !ok || e.Kind != ErrLockHeldByOther || e.Holder != "agent-1" {
		t.Fatalf("expected LockHeldByOther{holder: agent-1}, got %v", err)
	}
}

func TestClaimNextFailsWhenNothingPending(t *testing.T) {
	q := New()
	_, _, err := q.ClaimNext("agent-1")
	if err == nil {
		t.Fatal("expected NoPendingEntries")
	}
	if e, ok := err.(*Error); !ok || e.Kind != ErrNoPendingEntries {
		t.Fatalf("expected ErrNoPendingEntries, got %v", err)
	}
}

func TestReleaseClearsLockWhenHolderMatches(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 0, "")
	q, _, _ = q.ClaimNext("agent-1")

	q, err := q.Release("ws-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if q.IsLocked() {
		t.Fatal("expected lock cleared after releasing its holder")
	}
	entry, _ := q.Get("ws-a")
	if entry.Status != queuestate.Pending || entry.ClaimedBy != "" {
		t.Fatalf("unexpected entry after release: %+v", entry)
	}
}

func TestReleaseRejectsUnclaimedEntry(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 0, "")
	if _, err := q.Release("ws-a"); err == nil {
		t.Fatal("expected NotClaimed error releasing a pending entry")
	}
}

func TestTransitionStatusRejectsInvalidEdge(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 0, "")
	if _, err := q.TransitionStatus("ws-a", queuestate.Merged); err == nil {
		t.Fatal("expected InvalidTransition error going straight from pending to merged")
	}
}

func TestOriginalQueueUnmodifiedByMutators(t *testing.T) {
	q := New()
	q1, err := q.Add("ws-a", 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if !q.IsEmpty() {
		t.Fatal("original queue must remain unmodified after Add returns a new snapshot")
	}
	if q1.IsEmpty() {
		t.Fatal("new snapshot should contain the added entry")
	}
}

func TestIsConsistentAfterOperationSequence(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 1, "k1")
	q, _ = q.Add("ws-b", 2, "")
	q, _, _ = q.ClaimNext("agent-1")
	q, _ = q.TransitionStatus("ws-a", queuestate.Rebasing)
	q, _ = q.TransitionStatus("ws-a", queuestate.Testing)
	q, _ = q.TransitionStatus("ws-a", queuestate.ReadyToMerge)
	q, _ = q.TransitionStatus("ws-a", queuestate.Merging)
	q, _ = q.TransitionStatus("ws-a", queuestate.Merged)

	if !q.IsConsistent() {
		t.Fatal("expected queue to remain consistent after a full happy-path sequence")
	}
	if q.CountByStatus(queuestate.Merged) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", q.CountByStatus(queuestate.Merged))
	}
}

func TestPositionIsOneIndexedAndOnlyForClaimable(t *testing.T) {
	q := New()
	q, _ = q.Add("ws-a", 1, "")
	q, _ = q.Add("ws-b", 2, "")

	pos, ok := q.Position("ws-b")
	if !ok || pos != 2 {
		t.Fatalf("expected position 2 for ws-b, got %d ok=%v", pos, ok)
	}

	q, _, _ = q.ClaimNext("agent-1") // claims ws-a
	if _, ok := q.Position("ws-a"); ok {
		t.Fatal("claimed entries should not report a pending position")
	}
}
