package reconciler

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mergequeue/pkg/log"
	"github.com/cuemby/mergequeue/pkg/queue"
)

// DefaultInterval is the sweep cadence used when Reconciler is built with
// interval <= 0.
const DefaultInterval = 10 * time.Second

// Reconciler runs ReclaimStale on its own ticker, independent of any single
// worker's startup sweep, so a claim left behind by a crashed worker is
// picked up even while every worker process is itself idle.
type Reconciler struct {
	repo      *queue.Repository
	threshold time.Duration
	interval  time.Duration
	logger    zerolog.Logger
	mu        sync.RWMutex
	stopCh    chan struct{}
}

// NewReconciler builds a Reconciler that reclaims entries stale past
// threshold, sweeping every interval.
func NewReconciler(repo *queue.Repository, threshold, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		repo:      repo,
		threshold: threshold,
		interval:  interval,
		logger:    log.WithComponent("reconciler"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the reclaim loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop ends the reclaim loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Dur("threshold", r.threshold).Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			if err := r.reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("reclaim cycle failed")
			}
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile runs one stale-claim reclaim sweep. ReclaimStale itself records
// the reclaim_cycles/reclaimed_entries/duration metrics on every call,
// including the one-time sweep pkg/worker runs at startup, so this wrapper
// adds no metrics of its own.
func (r *Reconciler) reconcile() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats, err := r.repo.ReclaimStale(r.threshold)
	if err != nil {
		return err
	}
	if stats.Reclaimed > 0 {
		r.logger.Info().
			Int("reclaimed", stats.Reclaimed).
			Int("scanned", stats.Scanned).
			Strs("workspaces", stats.Workspace).
			Msg("reclaimed stale queue entries")
	}
	return nil
}
