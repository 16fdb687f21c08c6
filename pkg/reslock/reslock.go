// Package reslock implements file-backed resource locks: per-task, per-
// session mutual exclusion that lives outside the embedded queue store.
// Claim uses atomic exclusive-create; an expired or corrupt lock file may be
// stolen by the next claimant. There is no fairness between contenders —
// first exclusive-create wins, matching the queue's own no-fairness-beyond-
// claim-order policy.
package reslock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
)

// Lock is the on-disk content of one resource lock file.
type Lock struct {
	Holder         string    `json:"holder"`
	Resource       string    `json:"resource"`
	AcquiredAt     time.Time `json:"acquired_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	PreviousHolder string    `json:"previous_holder,omitempty"`
}

// Service manages the lock files under one directory. Callers construct a
// separate Service per namespace (resource locks vs. task locks) pointed at
// the corresponding directory.
type Service struct {
	dir   string
	clock clock.Clock
}

// New returns a Service rooted at dir, creating it if absent.
func New(dir string) (*Service, error) {
	return NewWithClock(dir, clock.SystemClock{})
}

// NewWithClock is New with an injected clock, for deterministic TTL tests.
func NewWithClock(dir string, c clock.Clock) (*Service, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, mqerr.IoErrorf(err, "failed to create lock directory %s", dir)
	}
	return &Service{dir: dir, clock: c}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// sanitize maps resource identifiers onto safe file names: alphanumeric plus
// "-_", every other character replaced with "_".
func sanitize(resource string) string {
	return unsafeChars.ReplaceAllString(resource, "_")
}

func (s *Service) path(resource string) string {
	return filepath.Join(s.dir, sanitize(resource)+".lock")
}

// Claim attempts to acquire resource for holder with the given timeout. It
// succeeds by atomic exclusive-create; if that fails because the file
// already exists, it reads the existing lock and either steals it (expired),
// extends it (same holder), or fails with a Conflict error naming the
// current holder and its expiry.
// A file that cannot be parsed is treated as absent and overwritten.
func (s *Service) Claim(resource, holder string, timeout time.Duration) (*Lock, error) {
	now := s.clock.Now().UTC()
	lock := &Lock{Holder: holder, Resource: resource, AcquiredAt: now, ExpiresAt: now.Add(timeout)}
	path := s.path(resource)

	if err := writeExclusive(path, lock); err == nil {
		return lock, nil
	} else if !errors.Is(err, os.ErrExist) {
		return nil, mqerr.IoErrorf(err, "failed to create lock file %s", path)
	}

	existing, err := readLock(path)
	if err != nil {
		// Corrupt or unreadable: treat as absent, overwrite.
		if err := writeOverwrite(path, lock); err != nil {
			return nil, mqerr.IoErrorf(err, "failed to overwrite corrupt lock file %s", path)
		}
		return lock, nil
	}

	switch {
	case existing.ExpiresAt.Before(now):
		lock.PreviousHolder = existing.Holder
		if err := writeOverwrite(path, lock); err != nil {
			return nil, mqerr.IoErrorf(err, "failed to steal expired lock %s", path)
		}
		metrics.ResourceLockStealsTotal.Inc()
		return lock, nil
	case existing.Holder == holder:
		if err := writeOverwrite(path, lock); err != nil {
			return nil, mqerr.IoErrorf(err, "failed to extend lock %s", path)
		}
		return lock, nil
	default:
		metrics.ResourceLockConflictsTotal.Inc()
		return nil, mqerr.Conflictf("resource %s held by %s until %s", resource, existing.Holder, existing.ExpiresAt)
	}
}

// Release yields resource if it is held by holder. Absent, already-expired-
// to-someone-else, or corrupt files are all treated as successful no-ops
// except the one case where a live lock is held by a different holder.
func (s *Service) Release(resource, holder string) error {
	path := s.path(resource)
	existing, err := readLock(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// Corrupt: remove and succeed.
		_ = os.Remove(path)
		return nil
	}
	if existing.Holder != holder {
		now := s.clock.Now().UTC()
		if existing.ExpiresAt.Before(now) {
			// expired lock belonging to someone else: releasing is a no-op, not a conflict
			return nil
		}
		return mqerr.Conflictf("resource %s held by %s, not %s", resource, existing.Holder, holder)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return mqerr.IoErrorf(err, "failed to remove lock file %s", path)
	}
	return nil
}

// IsHeld reports whether resource currently has a live (non-expired) lock,
// and if so, by whom.
func (s *Service) IsHeld(resource string) (bool, string, error) {
	existing, err := readLock(s.path(resource))
	if err != nil {
		if os.IsNotExist(err) {
			return false, "", nil
		}
		return false, "", nil // corrupt is treated as absent
	}
	if existing.ExpiresAt.Before(s.clock.Now().UTC()) {
		return false, "", nil
	}
	return true, existing.Holder, nil
}

func readLock(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var l Lock
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("corrupt lock file %s: %w", path, err)
	}
	return &l, nil
}

func writeExclusive(path string, lock *Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(data)
	return err
}

func writeOverwrite(path string, lock *Lock) error {
	data, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
