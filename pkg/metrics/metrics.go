package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	QueueEntriesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mergequeue_entries_total",
			Help: "Current number of queue entries by status",
		},
		[]string{"status"},
	)

	QueueAddsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergequeue_adds_total",
			Help: "Total number of entries added to the queue",
		},
	)

	QueueTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergequeue_transitions_total",
			Help: "Total number of status transitions by from/to status",
		},
		[]string{"from", "to"},
	)

	// Worker pipeline metrics
	ProcessOneDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mergequeue_process_one_duration_seconds",
			Help:    "Time taken to run one worker pipeline cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProcessOneOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergequeue_process_one_outcomes_total",
			Help: "Total number of process_one cycles by outcome",
		},
		[]string{"outcome"},
	)

	// Quality gate metrics
	GateRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mergequeue_gate_run_duration_seconds",
			Help:    "Time taken to run one quality gate in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"gate"},
	)

	GateOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergequeue_gate_outcomes_total",
			Help: "Total number of gate runs by gate and pass/fail",
		},
		[]string{"gate", "passed"},
	)

	// Stale-claim reclamation metrics
	ReclaimCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergequeue_reclaim_cycles_total",
			Help: "Total number of stale-claim reclamation sweeps completed",
		},
	)

	ReclaimedEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergequeue_reclaimed_entries_total",
			Help: "Total number of entries reclaimed from a stale claim",
		},
	)

	ReclaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mergequeue_reclaim_duration_seconds",
			Help:    "Time taken for a stale-claim reclamation sweep in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Resource-lock metrics
	ResourceLockConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergequeue_resource_lock_conflicts_total",
			Help: "Total number of resource-lock claims rejected by a live holder",
		},
	)

	ResourceLockStealsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mergequeue_resource_lock_steals_total",
			Help: "Total number of resource-lock claims that stole an expired lock",
		},
	)

	// Agent registry metrics
	AgentsLiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mergequeue_agents_live_total",
			Help: "Current number of agents with a heartbeat inside the liveness window",
		},
	)

	// Recovery metrics
	RecoveryEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mergequeue_recovery_events_total",
			Help: "Total number of store-recovery events by policy",
		},
		[]string{"policy"},
	)
)

func init() {
	prometheus.MustRegister(QueueEntriesByStatus)
	prometheus.MustRegister(QueueAddsTotal)
	prometheus.MustRegister(QueueTransitionsTotal)
	prometheus.MustRegister(ProcessOneDuration)
	prometheus.MustRegister(ProcessOneOutcomesTotal)
	prometheus.MustRegister(GateRunDuration)
	prometheus.MustRegister(GateOutcomesTotal)
	prometheus.MustRegister(ReclaimCyclesTotal)
	prometheus.MustRegister(ReclaimedEntriesTotal)
	prometheus.MustRegister(ReclaimDuration)
	prometheus.MustRegister(ResourceLockConflictsTotal)
	prometheus.MustRegister(ResourceLockStealsTotal)
	prometheus.MustRegister(AgentsLiveTotal)
	prometheus.MustRegister(RecoveryEventsTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
