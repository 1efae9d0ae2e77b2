package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Signatures ──────────────────────────────────────────────────────────────

	SignaturesTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "signature",
		Name:      "triggered_total",
		Help:      "Total signature trigger requests dispatched, labelled by kind.",
	}, []string{"kind"})

	CallbacksActivated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "signature",
		Name:      "callbacks_activated_total",
		Help:      "Total callback activations, labelled by path (success or error).",
	}, []string{"path"})

	// ─── Invoker ─────────────────────────────────────────────────────────────────

	InvokerAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "invoker",
		Name:      "attempts_total",
		Help:      "Total execution attempts, labelled by outcome (done, failed, retry, skipped).",
	}, []string{"outcome"})

	InvokerInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mageflow",
		Subsystem: "invoker",
		Name:      "inflight",
		Help:      "Attempts currently executing.",
	})

	InvokerDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mageflow",
		Subsystem: "invoker",
		Name:      "attempt_duration_seconds",
		Help:      "Wall-clock time of one execution attempt.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	// ─── Swarms ──────────────────────────────────────────────────────────────────

	SwarmTasksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "swarm",
		Name:      "tasks_started_total",
		Help:      "Total batch items started by the fill routine.",
	})

	SwarmsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "swarm",
		Name:      "completed_total",
		Help:      "Total swarms reaching a terminal outcome, labelled success or error.",
	}, []string{"outcome"})

	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcilerSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "reconciler",
		Name:      "sweeps_total",
		Help:      "Total reconciler sweeps over the active-swarm index.",
	})

	ReconcilerRefills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "reconciler",
		Name:      "refills_total",
		Help:      "Total fill invocations issued by the reconciler.",
	})

	// ─── Journal ─────────────────────────────────────────────────────────────────

	JournalWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mageflow",
		Subsystem: "journal",
		Name:      "write_failures_total",
		Help:      "Execution-journal writes that failed (journal is best-effort).",
	})
)
