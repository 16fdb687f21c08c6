// Package idgen generates the identifiers the coordinator hands out: worker
// ids (hostname-pid, overridable), and opaque tokens for dedupe keys and
// resource-lock holders.
package idgen

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// WorkerID returns hostname-pid, trimming the hostname at its first dot so
// that fully-qualified domain names don't make the id unwieldy.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if idx := strings.IndexByte(host, '.'); idx >= 0 {
		host = host[:idx]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// ResolveWorkerID returns provided unchanged if non-empty, otherwise
// generates a fresh WorkerID.
func ResolveWorkerID(provided string) string {
	if strings.TrimSpace(provided) != "" {
		return provided
	}
	return WorkerID()
}

// Token returns a fresh opaque random identifier suitable for a dedupe key
// or a resource-lock holder, when the caller doesn't supply its own.
func Token() string {
	return uuid.NewString()
}

// ParsePID extracts the numeric pid suffix from a worker id of the form
// "host-pid", returning false if the id doesn't carry one.
func ParsePID(workerID string) (int, bool) {
	idx := strings.LastIndexByte(workerID, '-')
	if idx < 0 || idx == len(workerID)-1 {
		return 0, false
	}
	n, err := strconv.Atoi(workerID[idx+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}
