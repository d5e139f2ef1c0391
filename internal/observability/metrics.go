// Package observability bundles the kernel's logging, metrics, and tracing
// setup so components receive ready-made handles instead of wiring globals.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every kernel metric. Construct one per process (or per test)
// with its own registry; nothing registers globally.
type Metrics struct {
	registry *prometheus.Registry

	// Admission
	RunsAdmitted      *prometheus.CounterVec // tier
	AdmissionRejected *prometheus.CounterVec // kind
	IdempotentReplays prometheus.Counter

	// Scheduling
	QueueDepth    *prometheus.GaugeVec // tier
	RunningRuns   prometheus.Gauge
	WFQDispatches *prometheus.CounterVec // tier
	WorkerRequeue prometheus.Counter

	// Pipeline
	RunsTerminal  *prometheus.CounterVec   // state
	StageDuration *prometheus.HistogramVec // stage
	StageRetries  *prometheus.CounterVec   // stage, kind
	StageFailures *prometheus.CounterVec   // stage, kind
	CancelsTotal  prometheus.Counter

	// Budget
	BudgetAlerts    *prometheus.CounterVec // component
	BudgetExhausted prometheus.Counter

	// Evidence
	EvidenceWrites  *prometheus.CounterVec // outcome
	EvidenceRetries prometheus.Counter
}

// NewMetrics registers the kernel metrics on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "dyocense"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	auto := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RunsAdmitted: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "runs_admitted_total",
			Help:      "Runs admitted, by tier",
		}, []string{"tier"}),
		AdmissionRejected: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "rejected_total",
			Help:      "Admission rejections, by error kind",
		}, []string{"kind"}),
		IdempotentReplays: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "idempotent_replays_total",
			Help:      "Submissions answered with an existing run",
		}),

		QueueDepth: auto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "queue_depth",
			Help:      "Queued runs per tier",
		}, []string{"tier"}),
		RunningRuns: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "running_runs",
			Help:      "Runs currently bound to workers",
		}),
		WFQDispatches: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "dispatches_total",
			Help:      "WFQ dispatches, by tier",
		}, []string{"tier"}),
		WorkerRequeue: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sched",
			Name:      "worker_requeues_total",
			Help:      "Runs re-queued after a worker crash",
		}),

		RunsTerminal: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_terminal_total",
			Help:      "Terminal runs, by state",
		}, []string{"state"}),
		StageDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage wall-clock duration",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"stage"}),
		StageRetries: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_retries_total",
			Help:      "Stage retry attempts, by stage and error kind",
		}, []string{"stage", "kind"}),
		StageFailures: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_failures_total",
			Help:      "Stage terminal failures, by stage and error kind",
		}, []string{"stage", "kind"}),
		CancelsTotal: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cancels_total",
			Help:      "Cancel requests accepted",
		}),

		BudgetAlerts: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "alerts_total",
			Help:      "Soft budget alerts (80% of cap), by component",
		}, []string{"component"}),
		BudgetExhausted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "budget",
			Name:      "exhausted_total",
			Help:      "Reservations rejected at the cap",
		}),

		EvidenceWrites: auto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "writes_total",
			Help:      "Evidence batch writes, by outcome",
		}, []string{"outcome"}),
		EvidenceRetries: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evidence",
			Name:      "write_retries_total",
			Help:      "Evidence write retries",
		}),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
