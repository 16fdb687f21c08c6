package queue

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// ProcessingLock is the single row serialising worker activity across
// processes. It is considered held iff the row exists and ExpiresAt is in
// the future; otherwise any acquirer may overwrite it.
type ProcessingLock struct {
	AgentID    string    `json:"agent_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DefaultLockTTL is used when a caller does not specify one.
const DefaultLockTTL = 5 * time.Minute

var processingLockKey = []byte("lock")

func getProcessingLock(tx *bolt.Tx) (*ProcessingLock, error) {
	data := tx.Bucket(storage.BucketProcessingLock).Get(processingLockKey)
	if data == nil {
		return nil, nil
	}
	var lock ProcessingLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, err
	}
	return &lock, nil
}

func putProcessingLock(tx *bolt.Tx, lock *ProcessingLock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return tx.Bucket(storage.BucketProcessingLock).Put(processingLockKey, data)
}

func deleteProcessingLock(tx *bolt.Tx) error {
	return tx.Bucket(storage.BucketProcessingLock).Delete(processingLockKey)
}

// IsLockStale reports whether the current processing lock row exists but
// has expired.
func (r *Repository) IsLockStale() (bool, error) {
	var stale bool
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		lock, err := getProcessingLock(tx)
		if err != nil {
			return err
		}
		stale = lock != nil && r.clock.Now().After(lock.ExpiresAt)
		return nil
	})
	return stale, err
}

// AcquireProcessingLock succeeds iff no row exists, the existing row has
// expired, or the existing holder equals agentID (refresh).
func (r *Repository) AcquireProcessingLock(agentID string, ttl time.Duration) (*ProcessingLock, error) {
	var lock *ProcessingLock
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		l, err := acquireLockInTx(tx, r.clock.Now(), agentID, ttl)
		if err != nil {
			return err
		}
		lock = l
		return nil
	})
	return lock, err
}

func acquireLockInTx(tx *bolt.Tx, now time.Time, agentID string, ttl time.Duration) (*ProcessingLock, error) {
	existing, err := getProcessingLock(tx)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.AgentID != agentID && now.Before(existing.ExpiresAt) {
		return nil, mqerr.Conflictf("lock held by %s, not by %s", existing.AgentID, agentID)
	}
	lock := &ProcessingLock{AgentID: agentID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	if err := putProcessingLock(tx, lock); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseProcessingLock removes the lock row iff it is held by agentID.
// Releasing a lock that belongs to someone else, or that no longer exists,
// is a no-op success (idempotent yield).
func (r *Repository) ReleaseProcessingLock(agentID string) error {
	return r.store.DB().Update(func(tx *bolt.Tx) error {
		existing, err := getProcessingLock(tx)
		if err != nil {
			return err
		}
		if existing == nil || existing.AgentID != agentID {
			return nil
		}
		return deleteProcessingLock(tx)
	})
}

// ExtendLock pushes out the TTL of the current lock by extra, succeeding
// only if the caller is the current holder.
func (r *Repository) ExtendLock(agentID string, extra time.Duration) (*ProcessingLock, error) {
	var lock *ProcessingLock
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		existing, err := getProcessingLock(tx)
		if err != nil {
			return err
		}
		if existing == nil || existing.AgentID != agentID {
			return mqerr.Conflictf("lock is not held by %s", agentID)
		}
		existing.ExpiresAt = existing.ExpiresAt.Add(extra)
		if err := putProcessingLock(tx, existing); err != nil {
			return err
		}
		lock = existing
		return nil
	})
	return lock, err
}

// NextWithLock atomically acquires/refreshes the processing lock for
// agentID, selects the claim-order head of pending, and transitions it to
// claimed. Returns (nil, nil) if no pending entry exists. Fails with a
// Conflict mqerr if a different agent holds an unexpired lock.
func (r *Repository) NextWithLock(agentID string, ttl time.Duration) (*Entry, error) {
	var claimed *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		now := r.clock.Now()
		if _, err := acquireLockInTx(tx, now, agentID, ttl); err != nil {
			return err
		}

		head, err := pendingHead(tx)
		if err != nil {
			return err
		}
		if head == nil {
			return nil
		}

		if err := head.Status.ValidateTransition(queuestate.Claimed); err != nil {
			return mqerr.QueueErrorf("pending entry %d failed its own state machine: %v", head.ID, err)
		}
		head.Status = queuestate.Claimed
		head.AgentID = agentID
		head.StartedAt = timePtr(now)

		if err := putEntry(tx, head); err != nil {
			return err
		}
		if err := appendEvent(tx, now, head.ID, EventClaimed, map[string]any{"agent_id": agentID}); err != nil {
			return err
		}
		claimed = head
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func timePtr(t time.Time) *time.Time { return &t }
