// Package purequeue is the reference semantics for the merge queue: a
// snapshot-returning value type where every mutator returns a new Queue via
// structural sharing rather than mutating in place. It exists to define the
// queue's behavior unambiguously and to let property tests explore sequences
// of operations without touching a durable store.
//
// Structural sharing is backed by github.com/hashicorp/go-immutable-radix:
// entries are keyed directly by workspace name in one persistent tree
// (folding the source model's separate workspace-to-index map into the tree
// itself), and active dedupe keys live in a second persistent tree keyed by
// the dedupe string. Because both trees are immutable, two Queue values that
// share most of their entries share most of their underlying tree nodes too.
package purequeue

import (
	"fmt"
	"sort"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/cuemby/mergequeue/pkg/queuestate"
)

// Error is the closed set of failures a pure queue operation can return.
type Error struct {
	Kind      ErrorKind
	Workspace string
	Key       string
	From, To  queuestate.Status
	Holder    string
	Requester string
	Status    queuestate.Status
}

// ErrorKind enumerates the pure queue's failure modes.
type ErrorKind int

const (
	ErrNotFound ErrorKind = iota
	ErrDuplicateWorkspace
	ErrDuplicateDedupeKey
	ErrCannotClaim
	ErrNotClaimed
	ErrInvalidTransition
	ErrNoPendingEntries
	ErrLockHeldByOther
)

func (e *Error) Error() string {
	switch e.Kind {
	case ErrNotFound:
		return fmt.Sprintf("entry not found: %s", e.Workspace)
	case ErrDuplicateWorkspace:
		return fmt.Sprintf("workspace already exists: %s", e.Workspace)
	case ErrDuplicateDedupeKey:
		return fmt.Sprintf("dedupe key already exists: %s", e.Key)
	case ErrCannotClaim:
		return fmt.Sprintf("cannot claim entry with status: %s", e.Status)
	case ErrNotClaimed:
		return fmt.Sprintf("entry is not claimed: %s", e.Workspace)
	case ErrInvalidTransition:
		return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
	case ErrNoPendingEntries:
		return "no pending entries available"
	case ErrLockHeldByOther:
		return fmt.Sprintf("lock held by %s, not by %s", e.Holder, e.Requester)
	default:
		return "pure queue error"
	}
}

// Entry is one queue row in the pure model.
type Entry struct {
	Workspace  string
	Priority   int32
	Status     queuestate.Status
	AddedAt    uint64 // insertion order, for FIFO within priority
	ClaimedBy  string // empty if unclaimed
	DedupeKey  string // empty if none
}

// IsClaimable reports whether the entry is eligible for claim_next.
func (e Entry) IsClaimable() bool { return e.Status == queuestate.Pending }

// IsClaimed reports whether the entry is currently claimed.
func (e Entry) IsClaimed() bool { return e.Status == queuestate.Claimed }

// IsTerminal reports whether the entry's status is terminal.
func (e Entry) IsTerminal() bool { return e.Status.IsTerminal() }

// Queue is a persistent snapshot of the merge queue. The zero value is not
// usable; construct one with New.
type Queue struct {
	entries          *iradix.Tree // workspace -> *Entry
	dedupeKeys       *iradix.Tree // dedupeKey -> workspace (string)
	insertionCounter uint64
	lockHolder       string // empty if unlocked
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{
		entries:    iradix.New(),
		dedupeKeys: iradix.New(),
	}
}

// Len returns the number of entries in the queue.
func (q *Queue) Len() int { return q.entries.Len() }

// IsEmpty reports whether the queue has no entries.
func (q *Queue) IsEmpty() bool { return q.entries.Len() == 0 }

// IsLocked reports whether any agent currently holds the single-worker lock.
func (q *Queue) IsLocked() bool { return q.lockHolder != "" }

// LockHolder returns the current lock holder, or "" if unlocked.
func (q *Queue) LockHolder() string { return q.lockHolder }

// Get returns the entry for workspace, or (Entry{}, false) if absent.
func (q *Queue) Get(workspace string) (Entry, bool) {
	v, ok := q.entries.Get([]byte(workspace))
	if !ok {
		return Entry{}, false
	}
	return *(v.(*Entry)), true
}

func (q *Queue) clone() *Queue {
	cp := *q
	return &cp
}

// Add inserts a new pending entry. It fails with DuplicateWorkspace if the
// workspace is present in any state, or DuplicateDedupeKey if dedupeKey maps
// to a non-terminal entry. Pass "" for dedupeKey to omit it.
func (q *Queue) Add(workspace string, priority int32, dedupeKey string) (*Queue, error) {
	if _, exists := q.entries.Get([]byte(workspace)); exists {
		return nil, &Error{Kind: ErrDuplicateWorkspace, Workspace: workspace}
	}

	if dedupeKey != "" {
		if existingWs, ok := q.dedupeKeys.Get([]byte(dedupeKey)); ok {
			if entry, found := q.Get(existingWs.(string)); found && !entry.IsTerminal() {
				return nil, &Error{Kind: ErrDuplicateDedupeKey, Key: dedupeKey}
			}
		}
	}

	entry := &Entry{
		Workspace: workspace,
		Priority:  priority,
		Status:    queuestate.Pending,
		AddedAt:   q.insertionCounter,
		DedupeKey: dedupeKey,
	}

	next := q.clone()
	next.entries, _, _ = q.entries.Insert([]byte(workspace), entry)
	next.insertionCounter = q.insertionCounter + 1
	if dedupeKey != "" {
		next.dedupeKeys, _, _ = q.dedupeKeys.Insert([]byte(dedupeKey), workspace)
	}
	return next, nil
}

// ClaimNext claims the highest-priority, earliest-arrival pending entry for
// agentID. Fails with LockHeldByOther if a different agent currently holds
// the lock, or NoPendingEntries if nothing is claimable. The same agent
// re-claiming while already holding the lock is allowed.
func (q *Queue) ClaimNext(agentID string) (*Queue, string, error) {
	if q.lockHolder != "" && q.lockHolder != agentID {
		return nil, "", &Error{Kind: ErrLockHeldByOther, Holder: q.lockHolder, Requester: agentID}
	}

	var best *Entry
	q.entries.Root().Walk(func(_ []byte, v interface{}) bool {
		e := v.(*Entry)
		if !e.IsClaimable() {
			return false
		}
		if best == nil || less(e, best) {
			best = e
		}
		return false
	})
	if best == nil {
		return nil, "", &Error{Kind: ErrNoPendingEntries}
	}

	claimed := *best
	claimed.Status = queuestate.Claimed
	claimed.ClaimedBy = agentID

	next := q.clone()
	next.entries, _, _ = q.entries.Insert([]byte(best.Workspace), &claimed)
	next.lockHolder = agentID
	return next, best.Workspace, nil
}

func less(a, b *Entry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.AddedAt < b.AddedAt
}

// Release returns a claimed entry to pending and clears claimedBy. If the
// entry's claimant was the current lock holder, the lock is also cleared.
func (q *Queue) Release(workspace string) (*Queue, error) {
	entry, ok := q.Get(workspace)
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Workspace: workspace}
	}
	if !entry.IsClaimed() {
		return nil, &Error{Kind: ErrNotClaimed, Workspace: workspace}
	}

	wasHolder := entry.ClaimedBy != "" && entry.ClaimedBy == q.lockHolder

	released := entry
	released.Status = queuestate.Pending
	released.ClaimedBy = ""

	next := q.clone()
	next.entries, _, _ = q.entries.Insert([]byte(workspace), &released)
	if wasHolder {
		next.lockHolder = ""
	}
	return next, nil
}

// TransitionStatus validates and applies workspace's move to newStatus. On a
// transition into a terminal status the entry's dedupe key is freed, and the
// processing lock is cleared if this entry's claimant held it.
func (q *Queue) TransitionStatus(workspace string, newStatus queuestate.Status) (*Queue, error) {
	entry, ok := q.Get(workspace)
	if !ok {
		return nil, &Error{Kind: ErrNotFound, Workspace: workspace}
	}
	if err := entry.Status.ValidateTransition(newStatus); err != nil {
		return nil, &Error{Kind: ErrInvalidTransition, From: entry.Status, To: newStatus}
	}

	updated := entry
	updated.Status = newStatus

	next := q.clone()
	next.entries, _, _ = q.entries.Insert([]byte(workspace), &updated)

	if newStatus.IsTerminal() {
		if entry.DedupeKey != "" {
			next.dedupeKeys, _, _ = q.dedupeKeys.Delete([]byte(entry.DedupeKey))
		}
		if entry.ClaimedBy != "" && entry.ClaimedBy == q.lockHolder {
			next.lockHolder = ""
		}
	}

	return next, nil
}

// PendingInOrder returns every claimable entry in claim order (priority
// ascending, then arrival order ascending).
func (q *Queue) PendingInOrder() []Entry {
	var pending []Entry
	q.entries.Root().Walk(func(_ []byte, v interface{}) bool {
		e := v.(*Entry)
		if e.IsClaimable() {
			pending = append(pending, *e)
		}
		return false
	})
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority < pending[j].Priority
		}
		return pending[i].AddedAt < pending[j].AddedAt
	})
	return pending
}

// Entries returns every entry in the queue, in workspace-name order.
func (q *Queue) Entries() []Entry {
	entries := make([]Entry, 0, q.entries.Len())
	q.entries.Root().Walk(func(_ []byte, v interface{}) bool {
		entries = append(entries, *(v.(*Entry)))
		return false
	})
	return entries
}

// CountByStatus returns the number of entries currently in status.
func (q *Queue) CountByStatus(status queuestate.Status) int {
	count := 0
	q.entries.Root().Walk(func(_ []byte, v interface{}) bool {
		if v.(*Entry).Status == status {
			count++
		}
		return false
	})
	return count
}

// Position returns workspace's 1-indexed position in the pending queue, or
// (0, false) if the workspace is absent or not currently claimable.
func (q *Queue) Position(workspace string) (int, bool) {
	entry, ok := q.Get(workspace)
	if !ok || !entry.IsClaimable() {
		return 0, false
	}
	for i, e := range q.PendingInOrder() {
		if e.Workspace == workspace {
			return i + 1, true
		}
	}
	return 0, false
}

// IsConsistent checks the structural invariants the pure model promises:
// every dedupe key maps to an entry whose DedupeKey equals it, and the
// backing tree never holds two entries for the same workspace (guaranteed
// by construction, checked here for property tests that poke at internals).
func (q *Queue) IsConsistent() bool {
	ok := true
	q.dedupeKeys.Root().Walk(func(k []byte, v interface{}) bool {
		entry, found := q.Get(v.(string))
		if !found || entry.DedupeKey != string(k) {
			ok = false
			return true
		}
		return false
	})
	if !ok {
		return false
	}

	seen := make(map[string]bool, q.entries.Len())
	bad := false
	q.entries.Root().Walk(func(k []byte, v interface{}) bool {
		ws := v.(*Entry).Workspace
		if ws != string(k) || seen[ws] {
			bad = true
			return true
		}
		seen[ws] = true
		return false
	})
	return !bad
}
