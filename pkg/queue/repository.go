package queue

import (
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/events"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// Repository is the durable queue: every mutation it exposes runs inside one
// serialised bbolt transaction, so the invariants pkg/purequeue defines in
// memory hold against the real store too.
type Repository struct {
	store  *storage.Store
	clock  clock.Clock
	events *events.Broker
}

// New wraps store in a Repository using the system clock.
func New(store *storage.Store) *Repository {
	return &Repository{store: store, clock: clock.SystemClock{}}
}

// NewWithClock wraps store in a Repository using an injected clock, for
// deterministic tests of TTL/stale-claim behavior.
func NewWithClock(store *storage.Store, c clock.Clock) *Repository {
	return &Repository{store: store, clock: c}
}

// SetEventBroker attaches b so queue mutations publish to it. A Repository
// with no broker attached publishes nothing; callers that don't need
// notifications never pay for the wiring.
func (r *Repository) SetEventBroker(b *events.Broker) {
	r.events = b
}

func (r *Repository) publish(eventType events.EventType, workspace string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: eventType, Metadata: map[string]string{"workspace": workspace}})
}

// AddResult is returned by Add/AddWithDedupe.
type AddResult struct {
	Entry        *Entry
	Position     int
	TotalPending int
}

// Add inserts a new pending entry for workspace. agentID may be empty.
func (r *Repository) Add(workspace, beadID string, priority int32, agentID string) (*AddResult, error) {
	return r.addInternal(workspace, beadID, priority, agentID, "")
}

// AddWithDedupe inserts a new pending entry carrying dedupeKey. If an active
// (non-terminal) entry already holds that key, it is returned unchanged
// (idempotent) rather than erroring, so repeated submissions of the same
// logical change collapse onto one queue row.
func (r *Repository) AddWithDedupe(workspace, beadID string, priority int32, agentID, dedupeKey string) (*AddResult, error) {
	if existing, err := r.findByDedupeKey(dedupeKey); err == nil && existing != nil && !existing.Status.IsTerminal() {
		return &AddResult{Entry: existing}, nil
	}
	return r.addInternal(workspace, beadID, priority, agentID, dedupeKey)
}

func (r *Repository) addInternal(workspace, beadID string, priority int32, agentID, dedupeKey string) (*AddResult, error) {
	if err := ValidateWorkspaceName(workspace); err != nil {
		return nil, err
	}
	if agentID != "" {
		if err := ValidateAgentID(agentID); err != nil {
			return nil, err
		}
	}

	var result AddResult
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		if _, found, err := lookupActiveByWorkspace(tx, workspace); err != nil {
			return err
		} else if found {
			return mqerr.Conflictf("workspace already exists: %s", workspace)
		}

		if dedupeKey != "" {
			if active, err := dedupeIsActive(tx, dedupeKey); err != nil {
				return err
			} else if active {
				return mqerr.Conflictf("dedupe key already exists: %s", dedupeKey)
			}
		}

		entries := tx.Bucket(storage.BucketQueueEntries)
		id, err := entries.NextSequence()
		if err != nil {
			return err
		}

		now := r.clock.Now()
		entry := &Entry{
			ID:          int64(id),
			Workspace:   workspace,
			BeadID:      beadID,
			Priority:    priority,
			Status:      queuestate.Pending,
			AddedAt:     now.UTC(),
			AgentID:     agentID,
			DedupeKey:   dedupeKey,
			MaxAttempts: DefaultMaxAttempts,
		}

		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := setWorkspaceIndex(tx, workspace, entry.ID); err != nil {
			return err
		}
		if dedupeKey != "" {
			if err := setDedupeIndex(tx, dedupeKey, entry.ID); err != nil {
				return err
			}
		}
		if err := appendEvent(tx, now, entry.ID, EventCreated, map[string]any{"workspace": workspace}); err != nil {
			return err
		}

		pos, total, err := pendingPosition(tx, entry)
		if err != nil {
			return err
		}

		result = AddResult{Entry: entry, Position: pos, TotalPending: total}
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueAddsTotal.Inc()
	metrics.QueueEntriesByStatus.WithLabelValues(string(queuestate.Pending)).Inc()
	r.publish(events.EventEntryAdded, workspace)
	return &result, nil
}

// UpsertForSubmit implements the submission-time upsert: if a non-terminal
// entry already carries dedupeKey, its head_sha/priority/agent_id are
// updated in place and returned; otherwise a new pending entry is inserted.
func (r *Repository) UpsertForSubmit(workspace, beadID string, priority int32, agentID, dedupeKey, headSHA string) (*Entry, error) {
	if dedupeKey == "" {
		return nil, mqerr.ValidationErrorf("dedupe_key", "required for upsert_for_submit", "dedupe key must not be empty")
	}

	var result *Entry
	var isNewEntry bool
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		id, ok, err := dedupeTargetIfActive(tx, dedupeKey)
		if err != nil {
			return err
		}
		if ok {
			entry, err := getEntry(tx, id)
			if err != nil {
				return err
			}
			entry.HeadSHA = headSHA
			entry.Priority = priority
			entry.AgentID = agentID
			if err := putEntry(tx, entry); err != nil {
				return err
			}
			result = entry
			return nil
		}

		if err := ValidateWorkspaceName(workspace); err != nil {
			return err
		}
		if _, found, err := lookupActiveByWorkspace(tx, workspace); err != nil {
			return err
		} else if found {
			return mqerr.Conflictf("workspace already exists: %s", workspace)
		}

		entries := tx.Bucket(storage.BucketQueueEntries)
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		now := r.clock.Now()
		entry := &Entry{
			ID: int64(seq), Workspace: workspace, BeadID: beadID, Priority: priority,
			Status: queuestate.Pending, AddedAt: now.UTC(), AgentID: agentID,
			DedupeKey: dedupeKey, HeadSHA: headSHA, MaxAttempts: DefaultMaxAttempts,
		}
		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := setWorkspaceIndex(tx, workspace, entry.ID); err != nil {
			return err
		}
		if err := setDedupeIndex(tx, dedupeKey, entry.ID); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventCreated, map[string]any{"workspace": workspace, "submit": true}); err != nil {
			return err
		}
		isNewEntry = true
		result = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	if isNewEntry {
		metrics.QueueAddsTotal.Inc()
		metrics.QueueEntriesByStatus.WithLabelValues(string(queuestate.Pending)).Inc()
		r.publish(events.EventEntryAdded, workspace)
	}
	return result, nil
}

// GetByID returns the entry with id, or a NotFound error.
func (r *Repository) GetByID(id int64) (*Entry, error) {
	var entry *Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// GetByWorkspace returns the entry for workspace if one exists in any state
// (the most recently inserted, if somehow more than one row exists).
func (r *Repository) GetByWorkspace(workspace string) (*Entry, error) {
	var entry *Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		id, ok, err := lookupAnyByWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		if !ok {
			return mqerr.NotFoundf("no entry for workspace: %s", workspace)
		}
		e, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	return entry, err
}

// List returns every entry, optionally filtered to a single status. Pass ""
// for status to list everything.
func (r *Repository) List(status queuestate.Status) ([]*Entry, error) {
	var out []*Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketQueueEntries).ForEach(func(_, v []byte) error {
			entry, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			if status == "" || entry.Status == status {
				out = append(out, entry)
			}
			return nil
		})
	})
	return out, err
}

// Next returns the claim-order head of pending without claiming it, or nil
// if the queue has no pending entries.
func (r *Repository) Next() (*Entry, error) {
	var head *Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		e, err := pendingHead(tx)
		if err != nil {
			return err
		}
		head = e
		return nil
	})
	return head, err
}

func pendingHead(tx *bolt.Tx) (*Entry, error) {
	var best *Entry
	err := tx.Bucket(storage.BucketQueueEntries).ForEach(func(_, v []byte) error {
		e, err := unmarshalEntry(v)
		if err != nil {
			return err
		}
		if e.Status != queuestate.Pending {
			return nil
		}
		if best == nil || e.Priority < best.Priority ||
			(e.Priority == best.Priority && e.AddedAt.Before(best.AddedAt)) ||
			(e.Priority == best.Priority && e.AddedAt.Equal(best.AddedAt) && e.ID < best.ID) {
			best = e
		}
		return nil
	})
	return best, err
}

func pendingPosition(tx *bolt.Tx, target *Entry) (position, total int, err error) {
	var pending []*Entry
	err = tx.Bucket(storage.BucketQueueEntries).ForEach(func(_, v []byte) error {
		e, err := unmarshalEntry(v)
		if err != nil {
			return err
		}
		if e.Status == queuestate.Pending {
			pending = append(pending, e)
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	less := func(a, b *Entry) bool {
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.ID < b.ID
	}
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if less(pending[j], pending[i]) {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}
	total = len(pending)
	for i, e := range pending {
		if e.ID == target.ID {
			return i + 1, total, nil
		}
	}
	return 0, total, nil
}

func getEntry(tx *bolt.Tx, id int64) (*Entry, error) {
	data := tx.Bucket(storage.BucketQueueEntries).Get(idKey(id))
	if data == nil {
		return nil, mqerr.NotFoundf("no queue entry with id %d", id)
	}
	return unmarshalEntry(data)
}

func putEntry(tx *bolt.Tx, e *Entry) error {
	data, err := marshalEntry(e)
	if err != nil {
		return err
	}
	return tx.Bucket(storage.BucketQueueEntries).Put(idKey(e.ID), data)
}

func setWorkspaceIndex(tx *bolt.Tx, workspace string, id int64) error {
	return tx.Bucket(storage.BucketWorkspaceIndex).Put([]byte(workspace), idKey(id))
}

func deleteWorkspaceIndex(tx *bolt.Tx, workspace string) error {
	return tx.Bucket(storage.BucketWorkspaceIndex).Delete([]byte(workspace))
}

func setDedupeIndex(tx *bolt.Tx, key string, id int64) error {
	return tx.Bucket(storage.BucketDedupeIndex).Put([]byte(key), idKey(id))
}

func deleteDedupeIndex(tx *bolt.Tx, key string) error {
	return tx.Bucket(storage.BucketDedupeIndex).Delete([]byte(key))
}

// lookupActiveByWorkspace returns the id of workspace's entry only if it is
// currently non-terminal.
func lookupActiveByWorkspace(tx *bolt.Tx, workspace string) (int64, bool, error) {
	id, ok, err := lookupAnyByWorkspace(tx, workspace)
	if err != nil || !ok {
		return 0, false, err
	}
	entry, err := getEntry(tx, id)
	if err != nil {
		return 0, false, err
	}
	if entry.Status.IsTerminal() {
		return 0, false, nil
	}
	return id, true, nil
}

func lookupAnyByWorkspace(tx *bolt.Tx, workspace string) (int64, bool, error) {
	v := tx.Bucket(storage.BucketWorkspaceIndex).Get([]byte(workspace))
	if v == nil {
		return 0, false, nil
	}
	return keyID(v), true, nil
}

func dedupeIsActive(tx *bolt.Tx, key string) (bool, error) {
	_, ok, err := dedupeTargetIfActive(tx, key)
	return ok, err
}

func dedupeTargetIfActive(tx *bolt.Tx, key string) (int64, bool, error) {
	v := tx.Bucket(storage.BucketDedupeIndex).Get([]byte(key))
	if v == nil {
		return 0, false, nil
	}
	id := keyID(v)
	entry, err := getEntry(tx, id)
	if err != nil {
		return 0, false, err
	}
	if entry.Status.IsTerminal() {
		return 0, false, nil
	}
	return id, true, nil
}

func (r *Repository) findByDedupeKey(key string) (*Entry, error) {
	var found *Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		v := tx.Bucket(storage.BucketDedupeIndex).Get([]byte(key))
		if v == nil {
			return nil
		}
		e, err := getEntry(tx, keyID(v))
		if err != nil {
			return err
		}
		found = e
		return nil
	})
	return found, err
}
