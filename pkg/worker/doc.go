// Package worker implements the merge-queue worker pipeline: claim the next
// pending entry under the processing lock, drive it through rebasing and
// testing, run the external quality gates, and land it on ready_to_merge or
// a classified failure.
//
// A Worker runs in one of two modes. RunOnce processes at most one entry
// and returns the process exit code the one-shot command should use. RunLoop
// polls continuously, installing SIGINT/SIGTERM handlers, until a signal
// arrives; an entry still in flight at shutdown is left for the next
// worker's reclaim_stale sweep rather than rolled back.
package worker
