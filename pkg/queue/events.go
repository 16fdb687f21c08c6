package queue

import (
	"encoding/json"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/mergequeue/pkg/storage"
)

// EventType is one of the append-only event kinds recorded against a queue
// entry.
type EventType string

const (
	EventCreated      EventType = "created"
	EventClaimed      EventType = "claimed"
	EventTransitioned EventType = "transitioned"
	EventFailed       EventType = "failed"
	EventRetried      EventType = "retried"
	EventCancelled    EventType = "cancelled"
	EventMerged       EventType = "merged"
	EventHeartbeat    EventType = "heartbeat"
)

// Event is one append-only row in the queue's audit log.
type Event struct {
	ID        int64           `json:"id"`
	QueueID   int64           `json:"queue_id"`
	Type      EventType       `json:"event_type"`
	CreatedAt time.Time       `json:"created_at"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// appendEvent writes one event row within tx, stamped with now. Callers own
// the transaction and pass their repository's clock-resolved time; this
// never opens its own transaction or reads the wall clock.
func appendEvent(tx *bolt.Tx, now time.Time, queueID int64, typ EventType, details any) error {
	b := tx.Bucket(storage.BucketQueueEvents)
	id, err := b.NextSequence()
	if err != nil {
		return err
	}

	var raw json.RawMessage
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return err
		}
		raw = encoded
	}

	ev := Event{ID: int64(id), QueueID: queueID, Type: typ, CreatedAt: now.UTC(), Details: raw}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Put(idKey(ev.ID), data)
}

// FetchEvents returns every event recorded for queueID, oldest first.
func (r *Repository) FetchEvents(queueID int64) ([]Event, error) {
	var events []Event
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketQueueEvents).ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			if ev.QueueID == queueID {
				events = append(events, ev)
			}
			return nil
		})
	})
	return events, err
}

// FetchRecentEvents returns the last n events across all entries, oldest
// first within the returned window.
func (r *Repository) FetchRecentEvents(n int) ([]Event, error) {
	var all []Event
	err := r.store.DB().View(func(tx *bolt.Tx) error {
		return tx.Bucket(storage.BucketQueueEvents).ForEach(func(_, v []byte) error {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			all = append(all, ev)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(all) <= n {
		return all, nil
	}
	return all[len(all)-n:], nil
}
