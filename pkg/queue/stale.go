package queue

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/events"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// RecoveryStats summarises one reclaim_stale pass.
type RecoveryStats struct {
	Scanned   int
	Reclaimed int
	Workspace []string
}

// ReclaimStale scans every entry in claimed, rebasing, testing or merging
// whose latest of added_at, started_at and last_rebase_at is at least
// threshold old, bumping attempt_count and clearing agent_id. A claimed
// entry returns to pending; rebasing, testing and merging have no edge back
// to pending, so those entries go to failed_retryable. An entry whose
// attempt_count+1 reaches max_attempts is instead failed terminally,
// matching TransitionToFailed's classification rule.
func (r *Repository) ReclaimStale(threshold time.Duration) (*RecoveryStats, error) {
	timer := metrics.NewTimer()
	defer func() {
		metrics.ReclaimCyclesTotal.Inc()
		timer.ObserveDuration(metrics.ReclaimDuration)
	}()

	stats := &RecoveryStats{}
	now := r.clock.Now()

	var stale []*Entry
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketQueueEntries).ForEach(func(_, v []byte) error {
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			stats.Scanned++
			if !isInFlight(e.Status) {
				return nil
			}
			last := e.AddedAt
			if e.StartedAt != nil && e.StartedAt.After(last) {
				last = *e.StartedAt
			}
			if e.LastRebaseAt != nil && e.LastRebaseAt.After(last) {
				last = *e.LastRebaseAt
			}
			if now.Sub(last) >= threshold {
				stale = append(stale, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	for _, e := range stale {
		if _, err := r.reclaimOne(e.Workspace); err != nil {
			return nil, err
		}
		stats.Reclaimed++
		stats.Workspace = append(stats.Workspace, e.Workspace)
		metrics.ReclaimedEntriesTotal.Inc()
	}
	return stats, nil
}

func isInFlight(s queuestate.Status) bool {
	switch s {
	case queuestate.Claimed, queuestate.Rebasing, queuestate.Testing, queuestate.Merging:
		return true
	default:
		return false
	}
}

// reclaimOne returns one stale claimed entry to pending, moves a stale
// rebasing/testing/merging entry to failed_retryable, or moves either to
// failed_terminal if its attempt budget is spent.
func (r *Repository) reclaimOne(workspace string) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		if !isInFlight(entry.Status) {
			result = entry
			return nil
		}

		classification := entry.EnforceAttemptBudget(true)
		entry.AttemptCount++
		agent := entry.AgentID
		entry.AgentID = ""
		entry.StartedAt = nil

		var to queuestate.Status
		if classification == queuestate.FailedTerminal {
			to = queuestate.FailedTerminal
		} else {
			to = queuestate.Pending
		}
		if err := entry.Status.ValidateTransition(to); err != nil {
			// Rebasing, testing and merging have no direct edge back to
			// pending; route those to failed_retryable instead.
			to = queuestate.FailedRetryable
			if err := entry.Status.ValidateTransition(to); err != nil {
				return err
			}
		}
		from := entry.Status
		entry.Status = to
		entry.ErrorMessage = "reclaimed: processing exceeded staleness threshold"

		now := r.clock.Now()
		if err := applyTerminalEffectsAndSave(tx, entry, to, now); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventTransitioned, map[string]any{
			"reason": "stale-reclaim", "previous_agent_id": agent, "to": string(to),
		}); err != nil {
			return err
		}
		r.recordTransition(workspace, from, to)
		r.publish(events.EventEntryReclaimed, workspace)
		result = entry
		return nil
	})
	return result, err
}

// DetectAndRecoverStale is the startup variant: it reports whether the
// processing lock itself is stale in addition to reclaiming stale entries,
// since a crashed worker typically leaves both behind together.
func (r *Repository) DetectAndRecoverStale(threshold time.Duration) (*RecoveryStats, bool, error) {
	lockStale, err := r.IsLockStale()
	if err != nil {
		return nil, false, err
	}
	if lockStale {
		if err := r.store.DB().Update(func(tx *bolt.Tx) error {
			return deleteProcessingLock(tx)
		}); err != nil {
			return nil, false, err
		}
	}
	stats, err := r.ReclaimStale(threshold)
	if err != nil {
		return nil, false, err
	}
	return stats, lockStale, nil
}
