// Package queue is the durable queue repository: it implements the pure
// semantics of pkg/purequeue and pkg/queuestate atomically against an
// embedded pkg/storage database, adding the processing lock, the
// append-only event log, stale-claim reclamation, and the stack/dependency
// graph helpers. Producers, the worker pipeline, and admin commands are the
// only three callers permitted to hold a *Repository.
package queue

import (
	"regexp"
	"time"

	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queuestate"
)

// Entry is one submission's durable row.
type Entry struct {
	ID                int64
	Workspace         string
	BeadID            string
	Priority          int32
	Status            queuestate.Status
	AddedAt           time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	ErrorMessage      string
	AgentID           string
	DedupeKey         string
	HeadSHA           string
	TestedAgainstSHA  string
	AttemptCount      int
	MaxAttempts       int
	RebaseCount       int
	LastRebaseAt      *time.Time
	ParentWorkspace   string
	StackDepth        int
	Dependents        []string
	StackRoot         string
	StackMergeState   string
}

// DefaultMaxAttempts is used when a caller does not specify one.
const DefaultMaxAttempts = 3

// workspaceNamePattern enforces: alphanumeric + "-_.", 1-64 chars, starting
// with a letter.
var workspaceNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{0,63}$`)

// ValidateWorkspaceName enforces the workspace naming rule from the data
// model: alphanumeric plus "-_.", 1-64 characters, starting with a letter.
func ValidateWorkspaceName(name string) error {
	if !workspaceNamePattern.MatchString(name) {
		return mqerr.ValidationErrorf("workspace", "alphanumeric + '-_.', 1-64 chars, starts with a letter",
			"invalid workspace name %q", name)
	}
	return nil
}

// agentIDPattern mirrors the workspace naming rule; agent ids share the same
// character-class constraints in the source system.
var agentIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{0,63}$`)

// ValidateAgentID enforces the agent id naming rule.
func ValidateAgentID(id string) error {
	if !agentIDPattern.MatchString(id) {
		return mqerr.ValidationErrorf("agent_id", "alphanumeric + '-_.', 1-64 chars, starts with a letter",
			"invalid agent id %q", id)
	}
	return nil
}

// EnforceAttemptBudget classifies a failure given the entry's attempt count
// *before* this attempt is recorded: once attempt_count+1 would reach
// max_attempts, the failure is forced failed_terminal regardless of the
// caller's retryable hint. Callers must increment AttemptCount after calling
// this, not before.
func (e *Entry) EnforceAttemptBudget(retryable bool) queuestate.Status {
	if !mqerr.ClassifyAttempt(retryable, e.AttemptCount, e.MaxAttempts) {
		return queuestate.FailedTerminal
	}
	return queuestate.FailedRetryable
}
