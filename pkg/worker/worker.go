package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mergequeue/pkg/clock"
	"github.com/cuemby/mergequeue/pkg/gateadapter"
	"github.com/cuemby/mergequeue/pkg/idgen"
	"github.com/cuemby/mergequeue/pkg/log"
	"github.com/cuemby/mergequeue/pkg/metrics"
	"github.com/cuemby/mergequeue/pkg/mqerr"
	"github.com/cuemby/mergequeue/pkg/queue"
	"github.com/cuemby/mergequeue/pkg/queuestate"
	"github.com/cuemby/mergequeue/pkg/registry"
)

// DefaultStaleThreshold is the age after which an in-flight entry is
// reclaimed if no worker is actively progressing it.
const DefaultStaleThreshold = 5 * time.Minute

// DefaultPollInterval is used by loop mode between empty polls.
const DefaultPollInterval = 5 * time.Second

// vcsAdapter is the subset of vcsadapter.Adapter the pipeline needs, kept
// as a local interface so tests can supply a fake without shelling out.
type vcsAdapter interface {
	MainlineHead(ctx context.Context) (string, error)
}

// gateRunner is the subset of gateadapter.Runner the pipeline needs.
type gateRunner interface {
	RunAll(ctx context.Context, workingDir string) (*gateadapter.GatesOutcome, error)
}

// Config wires a Worker's dependencies and tunables. WorkerID, LockTTL,
// StaleThreshold, PollInterval, and Clock are defaulted by New if left
// zero.
type Config struct {
	WorkerID       string
	Queue          *queue.Repository
	VCS            vcsAdapter
	Gates          gateRunner
	Registry       *registry.Registry // optional; nil disables heartbeats
	WorkspacesDir  string
	LockTTL        time.Duration
	StaleThreshold time.Duration
	PollInterval   time.Duration
	Clock          clock.Clock
}

// Outcome classifies the result of one process_one cycle.
type Outcome string

const (
	OutcomeNothingToDo           Outcome = "nothing_to_do"
	OutcomeReadyToMerge          Outcome = "ready_to_merge"
	OutcomeStaleReturnedToRebase Outcome = "stale_returned_to_rebasing"
	OutcomeFailedRetryable       Outcome = "failed_retryable"
	OutcomeFailedTerminal        Outcome = "failed_terminal"
)

// Result is the structured outcome of one process_one call.
type Result struct {
	Outcome   Outcome
	Workspace string
	Message   string
}

// Output is the JSON-envelope-ready summary of a full worker invocation
// (one-shot run, or the tally accumulated by a loop run before shutdown).
type Output struct {
	WorkerID        string `json:"worker_id"`
	Processed       int    `json:"processed"`
	Reclaimed       int    `json:"reclaimed"`
	FailedRetryable int    `json:"failed_retryable"`
	FailedTerminal  int    `json:"failed_terminal"`
	Message         string `json:"message"`
}

// Worker drives the claim -> rebase -> test -> gate -> ready_to_merge
// pipeline against one queue Repository, one entry at a time.
type Worker struct {
	cfg    Config
	logger zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	exitCode int
}

// New fills in Config defaults and returns a ready Worker.
func New(cfg Config) *Worker {
	cfg.WorkerID = idgen.ResolveWorkerID(cfg.WorkerID)
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = queue.DefaultLockTTL
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.SystemClock{}
	}
	return &Worker{
		cfg:    cfg,
		logger: log.WithAgentID(cfg.WorkerID),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ReclaimStale runs the startup stale-claim sweep.
func (w *Worker) ReclaimStale() (*queue.RecoveryStats, error) {
	stats, _, err := w.cfg.Queue.DetectAndRecoverStale(w.cfg.StaleThreshold)
	return stats, err
}

// ProcessOne claims the next pending entry (if any) and drives it through
// the pipeline, always releasing the processing lock before returning
// regardless of outcome.
func (w *Worker) ProcessOne(ctx context.Context) (*Result, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProcessOneDuration)

	entry, err := w.cfg.Queue.NextWithLock(w.cfg.WorkerID, w.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if releaseErr := w.cfg.Queue.ReleaseProcessingLock(w.cfg.WorkerID); releaseErr != nil {
			w.logger.Warn().Err(releaseErr).Msg("failed to release processing lock")
		}
		metrics.ProcessOneOutcomesTotal.WithLabelValues(string(OutcomeNothingToDo)).Inc()
		return &Result{Outcome: OutcomeNothingToDo, Message: "no pending items to process"}, nil
	}

	result, err := w.runPipeline(ctx, entry)

	if releaseErr := w.cfg.Queue.ReleaseProcessingLock(w.cfg.WorkerID); releaseErr != nil {
		w.logger.Warn().Err(releaseErr).Msg("failed to release processing lock")
	}
	if result != nil {
		metrics.ProcessOneOutcomesTotal.WithLabelValues(string(result.Outcome)).Inc()
	}
	return result, err
}

// runPipeline drives one claimed entry through rebasing, testing, the
// quality gates, and a final transition. A non-nil error returned with a
// non-nil Result means the entry has already been moved to a classified
// failure state; the error only tells the caller this was a "processing
// failure" for exit-code purposes. A nil Result means a store write itself
// failed and the entry was left in the state it had reached.
func (w *Worker) runPipeline(ctx context.Context, entry *queue.Entry) (*Result, error) {
	workspace := entry.Workspace

	if _, err := w.cfg.Queue.TransitionTo(workspace, queuestate.Rebasing); err != nil {
		return w.failUnexpected(workspace, err)
	}

	testedAgainstSHA, err := w.cfg.VCS.MainlineHead(ctx)
	if err != nil {
		return w.failUnexpected(workspace, err)
	}
	if err := w.cfg.Queue.UpdateRebaseMetadata(workspace, entry.HeadSHA, testedAgainstSHA); err != nil {
		return w.failUnexpected(workspace, err)
	}

	if _, err := w.cfg.Queue.TransitionTo(workspace, queuestate.Testing); err != nil {
		return w.failUnexpected(workspace, err)
	}

	currentMainSHA, err := w.cfg.VCS.MainlineHead(ctx)
	if err != nil {
		return w.failUnexpected(workspace, err)
	}

	fresh, err := w.cfg.Queue.IsFresh(workspace, currentMainSHA)
	if err != nil {
		return w.failUnexpected(workspace, err)
	}
	if !fresh {
		if _, err := w.cfg.Queue.ReturnToRebasing(workspace, currentMainSHA); err != nil {
			return nil, err
		}
		return &Result{
			Outcome:   OutcomeStaleReturnedToRebase,
			Workspace: workspace,
			Message:   "stale against mainline, returned to rebasing",
		}, nil
	}

	workingDir := filepath.Join(w.cfg.WorkspacesDir, workspace)
	outcome, err := w.cfg.Gates.RunAll(ctx, workingDir)
	if err != nil {
		return w.failUnexpected(workspace, err)
	}

	if outcome.Status == gateadapter.AllPassed {
		if _, err := w.cfg.Queue.TransitionTo(workspace, queuestate.ReadyToMerge); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeReadyToMerge, Workspace: workspace, Message: "ready to merge"}, nil
	}

	message := gateadapter.FormatFailureMessage(outcome)
	failed, err := w.cfg.Queue.TransitionToFailed(workspace, message, true)
	if err != nil {
		return nil, err
	}
	failOutcome := OutcomeFailedRetryable
	if failed.Status == queuestate.FailedTerminal {
		failOutcome = OutcomeFailedTerminal
	}
	return &Result{Outcome: failOutcome, Workspace: workspace, Message: message},
		mqerr.PreconditionFailedf("%s", message)
}

// failUnexpected classifies an adapter/store error (§7) and transitions the
// entry to the resulting failure state, honoring the attempt-budget rule
// that can force a retryable-looking error into failed_terminal.
func (w *Worker) failUnexpected(workspace string, cause error) (*Result, error) {
	message := cause.Error()
	retryable := mqerr.IsRetryableMessage(message)

	entry, err := w.cfg.Queue.TransitionToFailed(workspace, message, retryable)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeFailedRetryable
	if entry.Status == queuestate.FailedTerminal {
		outcome = OutcomeFailedTerminal
	}
	return &Result{Outcome: outcome, Workspace: workspace, Message: message}, cause
}

// RunOnce processes at most one entry and returns the exit code the
// command should use: 0 on success or "nothing to do", 1 on processing
// failure.
func (w *Worker) RunOnce(ctx context.Context) (*Output, int) {
	stats, err := w.ReclaimStale()
	reclaimed := 0
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to reclaim stale entries on startup")
	} else if stats != nil {
		reclaimed = stats.Reclaimed
		if reclaimed > 0 {
			w.logger.Info().Int("reclaimed", reclaimed).Msg("reclaimed stale queue entries")
		}
	}

	out := &Output{WorkerID: w.cfg.WorkerID, Reclaimed: reclaimed}

	result, procErr := w.ProcessOne(ctx)
	if result == nil {
		out.Message = procErr.Error()
		return out, 1
	}

	switch result.Outcome {
	case OutcomeNothingToDo:
		out.Message = result.Message
		return out, 0
	case OutcomeFailedRetryable:
		out.FailedRetryable = 1
		out.Message = fmt.Sprintf("failed to process %s: %s", result.Workspace, result.Message)
		return out, 1
	case OutcomeFailedTerminal:
		out.FailedTerminal = 1
		out.Message = fmt.Sprintf("failed to process %s: %s", result.Workspace, result.Message)
		return out, 1
	default:
		out.Processed = 1
		out.Message = fmt.Sprintf("successfully processed %s: %s", result.Workspace, result.Message)
		return out, 0
	}
}

// runLoopBody is the work loop shared by RunLoop (OS signal handling owned
// internally) and Start/Stop (shutdown owned by the caller).
func (w *Worker) runLoopBody(ctx context.Context, shutdown <-chan struct{}) int {
	stats, err := w.ReclaimStale()
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to reclaim stale entries on startup")
	} else if stats != nil && stats.Reclaimed > 0 {
		w.logger.Info().Int("reclaimed", stats.Reclaimed).Msg("reclaimed stale queue entries")
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			w.releaseOnShutdown()
			return 0
		default:
		}

		result, procErr := w.ProcessOne(ctx)
		if result == nil {
			w.logger.Error().Err(procErr).Msg("failed to claim queue entry")
			if !w.wait(ticker, shutdown) {
				w.releaseOnShutdown()
				return 0
			}
			continue
		}

		switch result.Outcome {
		case OutcomeNothingToDo:
			w.heartbeat("idle")
			if !w.wait(ticker, shutdown) {
				w.releaseOnShutdown()
				return 0
			}
		case OutcomeFailedRetryable, OutcomeFailedTerminal:
			w.logger.Warn().Str("workspace", result.Workspace).Str("outcome", string(result.Outcome)).
				Msg(result.Message)
			w.heartbeat(result.Workspace)
		default:
			w.logger.Info().Str("workspace", result.Workspace).Str("outcome", string(result.Outcome)).
				Msg(result.Message)
			w.heartbeat(result.Workspace)
		}
	}
}

// wait blocks until the next poll tick, returning false if shutdown fired
// first.
func (w *Worker) wait(ticker *time.Ticker, shutdown <-chan struct{}) bool {
	select {
	case <-ticker.C:
		return true
	case <-shutdown:
		return false
	}
}

func (w *Worker) heartbeat(command string) {
	if w.cfg.Registry == nil {
		return
	}
	if _, err := w.cfg.Registry.Heartbeat(w.cfg.WorkerID, "", command); err != nil {
		w.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (w *Worker) releaseOnShutdown() {
	if err := w.cfg.Queue.ReleaseProcessingLock(w.cfg.WorkerID); err != nil {
		w.logger.Warn().Err(err).Msg("failed to release processing lock on shutdown")
	}
}

// RunLoop blocks, polling for work until SIGINT/SIGTERM arrives or Stop is
// called, then shuts down gracefully: it stops accepting new entries but
// never rolls back one already in flight, leaving it for the next worker's
// reclaim_stale. Always returns exit code 0 (a clean shutdown).
func (w *Worker) RunLoop(ctx context.Context) int {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	shutdown := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			w.logger.Info().Msg("shutdown signal received, finishing in-flight work")
		case <-w.stopCh:
		}
		close(shutdown)
	}()

	return w.runLoopBody(ctx, shutdown)
}

// Start runs the work loop in a background goroutine for callers that own
// their own OS signal handling (tests, composed daemons). Stop requests
// shutdown and waits for the loop to exit.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)
		w.exitCode = w.runLoopBody(ctx, w.stopCh)
	}()
}

// Stop signals the loop started by Start to finish its current iteration
// and exit, blocking until it has, then returns its exit code.
func (w *Worker) Stop() int {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	return w.exitCode
}
