// Package recovery wraps pkg/storage.Open with the three-tier corruption
// policy: FailFast never recreates a broken store, Warn recreates after
// logging, Silent recreates without a warning. All three share one
// pre-flight permission guard that refuses to paper over a chmod mistake.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/log"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/storage"
)

// Policy selects how Open reacts to a corrupted or schema-mismatched store.
type Policy string

const (
	FailFast Policy = "strict"
	Warn     Policy = "warn"
	Silent   Policy = "silent"
)

// ParsePolicy parses the configuration surface's recovery-policy string.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case FailFast, Warn, Silent:
		return Policy(s), nil
	case "":
		return Warn, nil
	default:
		return "", mqerr.ValidationErrorf("recovery_policy", "one of strict|warn|silent", "invalid recovery policy %q", s)
	}
}

// RecoveryLogName is the append-only log file recovery writes its messages
// to, relative to the data directory.
const RecoveryLogName = "recovery.log"

// Opener owns the recovery policy and the clock used to timestamp log
// entries.
type Opener struct {
	policy Policy
	clock  clock.Clock
	log    bool
}

// New returns an Opener for the given policy. Logging to recovery.log is
// enabled by default; call WithLogging(false) to disable it (used by Silent
// when the caller also wants no on-disk trace).
func New(policy Policy) *Opener {
	return &Opener{policy: policy, clock: clock.SystemClock{}, log: true}
}

// WithLogging toggles whether recovery events are appended to recovery.log.
func (o *Opener) WithLogging(enabled bool) *Opener {
	o.log = enabled
	return o
}

// Open applies the pre-flight permission guard, then opens dataDir's store,
// recreating it on corruption/schema-mismatch per the configured policy.
func (o *Opener) Open(dataDir string) (*storage.Store, error) {
	dbPath := filepath.Join(dataDir, storage.DBFileName)

	if err := preflightPermissions(dbPath); err != nil {
		return nil, err
	}

	store, err := storage.Open(dataDir)
	if err == nil {
		return store, nil
	}

	// The pre-flight guard above already ruled out permission-denied; any
	// failure reaching here is treated as corruption (missing/truncated
	// file, schema mismatch, bbolt format error) and is within policy's
	// remit to recreate.
	switch o.policy {
	case FailFast:
		return nil, mqerr.DatabaseErrorf(err, "store at %s is corrupted or schema mismatched; FailFast policy refuses to recreate it", dbPath)
	case Warn:
		log.Warn(fmt.Sprintf("recreating corrupted store at %s: %v", dbPath, err))
	case Silent:
		// no warning emitted
	}

	if err := o.appendRecoveryLog(dataDir, fmt.Sprintf("recreating store at %s: %v", dbPath, err)); err != nil {
		return nil, err
	}
	metrics.RecoveryEventsTotal.WithLabelValues(string(o.policy)).Inc()
	if err := os.Remove(dbPath); err != nil && !os.IsNotExist(err) {
		return nil, mqerr.IoErrorf(err, "failed to remove corrupted store %s", dbPath)
	}

	return storage.Open(dataDir)
}

// Repair is the operator-invoked entry point behind `mergequeue doctor`.
// Running doctor is itself the operator's consent to recreate a corrupted
// store, so Repair always recreates on corruption regardless of the
// configured policy, unlike Open which honors FailFast. It reports whether
// recreation happened so doctor.go can surface it to the operator.
func Repair(dataDir string) (store *storage.Store, recreated bool, err error) {
	dbPath := filepath.Join(dataDir, storage.DBFileName)

	if err := preflightPermissions(dbPath); err != nil {
		return nil, false, err
	}

	store, err = storage.Open(dataDir)
	if err == nil {
		return store, false, nil
	}

	o := New(Warn)
	if logErr := o.appendRecoveryLog(dataDir, fmt.Sprintf("doctor: recreating store at %s: %v", dbPath, err)); logErr != nil {
		return nil, false, logErr
	}
	metrics.RecoveryEventsTotal.WithLabelValues("doctor").Inc()
	if rmErr := os.Remove(dbPath); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, false, mqerr.IoErrorf(rmErr, "failed to remove corrupted store %s", dbPath)
	}

	store, err = storage.Open(dataDir)
	if err != nil {
		return nil, false, err
	}
	return store, true, nil
}

// preflightPermissions refuses to proceed if the store file exists but is
// not readable: recovery must never mask a permissions mistake as
// corruption.
func preflightPermissions(dbPath string) error {
	if _, err := os.Stat(dbPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mqerr.IoErrorf(err, "cannot stat database file %s", dbPath)
	}
	f, err := os.Open(dbPath)
	if err != nil {
		return mqerr.PreconditionFailedf("database file is not accessible: %v (fix permissions, e.g. chmod 644 %s)", err, dbPath)
	}
	return f.Close()
}

func (o *Opener) appendRecoveryLog(dataDir, message string) error {
	if !o.log {
		return nil
	}
	path := filepath.Join(dataDir, RecoveryLogName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return mqerr.IoErrorf(err, "failed to open recovery log %s", path)
	}
	defer f.Close()
	line := fmt.Sprintf("[%s] %s\n", o.clock.Now().UTC().Format(time.RFC3339), message)
	_, err = f.WriteString(line)
	return err
}
