package queue

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/events"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queuestate"
)

// recordTransition updates the transition counter and the live per-status
// gauge together, so the gauge never drifts out of sync with the counter,
// and publishes the corresponding queue event if a broker is attached.
func (r *Repository) recordTransition(workspace string, from, to queuestate.Status) {
	metrics.QueueTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	metrics.QueueEntriesByStatus.WithLabelValues(string(to)).Inc()
	metrics.QueueEntriesByStatus.WithLabelValues(string(from)).Dec()
	r.publish(transitionEventType(to), workspace)
}

func transitionEventType(to queuestate.Status) events.EventType {
	switch to {
	case queuestate.Claimed:
		return events.EventEntryClaimed
	case queuestate.ReadyToMerge:
		return events.EventEntryReadyToMerge
	case queuestate.Merged:
		return events.EventEntryMerged
	case queuestate.FailedRetryable, queuestate.FailedTerminal:
		return events.EventEntryFailed
	default:
		return events.EventEntryTransition
	}
}

// TransitionTo validates and applies workspace's move to status. On success
// it records a transitioned event; on a transition into a terminal status it
// frees the entry's dedupe key and releases the processing lock if it
// belonged to this entry's agent.
func (r *Repository) TransitionTo(workspace string, status queuestate.Status) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		from := entry.Status
		if err := entry.Status.ValidateTransition(status); err != nil {
			return mqerr.ValidationErrorf("status", "must follow a defined queue state edge",
				"invalid transition from %s to %s", from, status)
		}
		entry.Status = status
		now := r.clock.Now()
		if err := applyTerminalEffectsAndSave(tx, entry, status, now); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventTransitioned, map[string]any{"from": string(from), "to": string(status)}); err != nil {
			return err
		}
		r.recordTransition(workspace, from, status)
		result = entry
		return nil
	})
	return result, err
}

// applyTerminalEffectsAndSave writes entry back and, if newStatus is
// terminal, frees its dedupe key and clears agent_id/processing lock. now is
// the caller's clock-resolved time, stamped onto completed_at.
func applyTerminalEffectsAndSave(tx *bolt.Tx, entry *Entry, newStatus queuestate.Status, now time.Time) error {
	if newStatus.IsTerminal() {
		if entry.CompletedAt == nil {
			entry.CompletedAt = timePtr(now.UTC())
		}
		if entry.DedupeKey != "" {
			if err := deleteDedupeIndex(tx, entry.DedupeKey); err != nil {
				return err
			}
		}
		if entry.AgentID != "" {
			lock, err := getProcessingLock(tx)
			if err != nil {
				return err
			}
			if lock != nil && lock.AgentID == entry.AgentID {
				if err := deleteProcessingLock(tx); err != nil {
					return err
				}
			}
		}
		entry.AgentID = ""
	}
	return putEntry(tx, entry)
}

// TransitionToFailed classifies and applies a failure. isRetryable is
// combined with the attempt-budget rule: once attempt_count+1 reaches
// max_attempts the entry is forced failed_terminal regardless of the hint.
func (r *Repository) TransitionToFailed(workspace, errorMessage string, isRetryable bool) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		from := entry.Status
		classification := entry.EnforceAttemptBudget(isRetryable)
		entry.AttemptCount++
		if err := entry.Status.ValidateTransition(classification); err != nil {
			return mqerr.QueueErrorf("cannot classify failure for %s: %v", workspace, err)
		}
		entry.Status = classification
		entry.ErrorMessage = errorMessage
		now := r.clock.Now()
		if err := applyTerminalEffectsAndSave(tx, entry, classification, now); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventFailed, map[string]any{
			"error_message":  errorMessage,
			"classification": string(classification),
		}); err != nil {
			return err
		}
		r.recordTransition(workspace, from, classification)
		result = entry
		return nil
	})
	return result, err
}

// UpdateRebaseMetadata writes headSHA/testedAgainstSHA without touching
// status.
func (r *Repository) UpdateRebaseMetadata(workspace, headSHA, testedAgainstSHA string) error {
	return r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		entry.HeadSHA = headSHA
		entry.TestedAgainstSHA = testedAgainstSHA
		return putEntry(tx, entry)
	})
}

// UpdateRebaseMetadataWithCount additionally bumps rebase_count and stamps
// last_rebase_at.
func (r *Repository) UpdateRebaseMetadataWithCount(workspace, headSHA, testedAgainstSHA string, rebaseCount int, rebaseTimestamp time.Time) error {
	return r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		entry.HeadSHA = headSHA
		entry.TestedAgainstSHA = testedAgainstSHA
		entry.RebaseCount = rebaseCount
		entry.LastRebaseAt = timePtr(rebaseTimestamp)
		return putEntry(tx, entry)
	})
}

// IsFresh reports whether entry's tested_against_sha matches
// currentMainSHA.
func (r *Repository) IsFresh(workspace, currentMainSHA string) (bool, error) {
	entry, err := r.GetByWorkspace(workspace)
	if err != nil {
		return false, err
	}
	return entry.TestedAgainstSHA == currentMainSHA, nil
}

// ReturnToRebasing moves an entry that is stale against a new mainline head
// from testing (where the worker runs its freshness check) or ready_to_merge
// back to rebasing, and stamps the new SHA as the head to re-test against on
// the next cycle. The generic transition table has no edge into rebasing
// from those states, so this move is checked here instead of through
// ValidateTransition. tested_against_sha is left untouched per the source's
// preserved behavior: IsFresh re-tests it on the next pass.
func (r *Repository) ReturnToRebasing(workspace, newMainSHA string) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		from := entry.Status
		if from != queuestate.Testing && from != queuestate.ReadyToMerge {
			return mqerr.ValidationErrorf("status", "testing or ready_to_merge -> rebasing only",
				"cannot return %s to rebasing from %s", workspace, from)
		}
		entry.Status = queuestate.Rebasing
		entry.HeadSHA = newMainSHA
		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := appendEvent(tx, r.clock.Now(), entry.ID, EventTransitioned, map[string]any{
			"from": string(from), "to": string(queuestate.Rebasing), "reason": "stale-vs-mainline",
		}); err != nil {
			return err
		}
		r.recordTransition(workspace, from, queuestate.Rebasing)
		result = entry
		return nil
	})
	return result, err
}

// BeginMerge validates ready_to_merge -> merging.
func (r *Repository) BeginMerge(workspace string) (*Entry, error) {
	return r.TransitionTo(workspace, queuestate.Merging)
}

// CompleteMerge validates merging -> merged and stamps completed_at.
func (r *Repository) CompleteMerge(workspace, mergedSHA string) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := entryForWorkspace(tx, workspace)
		if err != nil {
			return err
		}
		if err := entry.Status.ValidateTransition(queuestate.Merged); err != nil {
			return mqerr.ValidationErrorf("status", "merging -> merged only",
				"cannot complete merge for %s from %s", workspace, entry.Status)
		}
		entry.Status = queuestate.Merged
		entry.HeadSHA = mergedSHA
		now := r.clock.Now()
		if err := applyTerminalEffectsAndSave(tx, entry, queuestate.Merged, now); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventMerged, map[string]any{"merged_sha": mergedSHA}); err != nil {
			return err
		}
		r.recordTransition(workspace, queuestate.Merging, queuestate.Merged)
		result = entry
		return nil
	})
	return result, err
}

// FailMerge transitions merging -> a classified failure.
func (r *Repository) FailMerge(workspace, errMsg string, isRetryable bool) (*Entry, error) {
	return r.TransitionToFailed(workspace, errMsg, isRetryable)
}

// RetryEntry applies the admin edge failed_retryable -> pending. It leaves
// attempt_count as it is, so the attempt budget keeps counting across
// retries.
func (r *Repository) RetryEntry(id int64) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if err := entry.Status.ValidateTransition(queuestate.Pending); err != nil {
			return mqerr.ValidationErrorf("status", "failed_retryable -> pending only",
				"cannot retry entry %d from %s", id, entry.Status)
		}
		from := entry.Status
		entry.Status = queuestate.Pending
		entry.ErrorMessage = ""
		if err := putEntry(tx, entry); err != nil {
			return err
		}
		if err := appendEvent(tx, r.clock.Now(), entry.ID, EventRetried, nil); err != nil {
			return err
		}
		r.recordTransition(entry.Workspace, from, queuestate.Pending)
		result = entry
		return nil
	})
	return result, err
}

// CancelEntry applies an admin cancellation, validated against the state
// machine (cancellation is not allowed from merging or any terminal state).
func (r *Repository) CancelEntry(id int64) (*Entry, error) {
	var result *Entry
	err := r.store.DB().Update(func(tx *bolt.Tx) error {
		entry, err := getEntry(tx, id)
		if err != nil {
			return err
		}
		if err := entry.Status.ValidateTransition(queuestate.Cancelled); err != nil {
			return mqerr.ValidationErrorf("status", "cancellation not allowed from this state",
				"cannot cancel entry %d from %s", id, entry.Status)
		}
		from := entry.Status
		entry.Status = queuestate.Cancelled
		now := r.clock.Now()
		if err := applyTerminalEffectsAndSave(tx, entry, queuestate.Cancelled, now); err != nil {
			return err
		}
		if err := appendEvent(tx, now, entry.ID, EventCancelled, nil); err != nil {
			return err
		}
		r.recordTransition(entry.Workspace, from, queuestate.Cancelled)
		result = entry
		return nil
	})
	return result, err
}

func entryForWorkspace(tx *bolt.Tx, workspace string) (*Entry, error) {
	id, ok, err := lookupAnyByWorkspace(tx, workspace)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, mqerr.NotFoundf("no entry for workspace: %s", workspace)
	}
	return getEntry(tx, id)
}
