package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	operations     *prometheus.HistogramVec
	failures       *prometheus.CounterVec
	flowsCreated   *prometheus.CounterVec
	tasksStarted   prometheus.Counter
	outcomes       prometheus.Counter
	fanOutFailures prometheus.Counter
	draftCommits   prometheus.Counter
	publishes      prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowspec_operation_duration_seconds",
			Help:    "Duration of engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_operation_failures_total",
			Help: "Engine operations that returned an error, by code",
		}, []string{"operation", "code"}),
		flowsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowspec_flows_created_total",
			Help: "Flows instantiated",
		}, []string{"source"}),
		tasksStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowspec_tasks_started_total",
			Help: "Task executions started",
		}),
		outcomes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowspec_outcomes_recorded_total",
			Help: "Task outcomes recorded",
		}),
		fanOutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowspec_fanout_failures_total",
			Help: "Child flow instantiations that failed",
		}),
		draftCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowspec_draft_commits_total",
			Help: "Draft buffer commits",
		}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowspec_workflows_published_total",
			Help: "Workflow versions published",
		}),
	}
	reg.MustRegister(m.operations, m.failures, m.flowsCreated, m.tasksStarted, m.outcomes,
		m.fanOutFailures, m.draftCommits, m.publishes)
	return m
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		code := string(CodeOf(err))
		if code == "" {
			code = "INTERNAL"
		}
		m.failures.WithLabelValues(op, code).Inc()
	}
}

func (m *Metrics) flowCreated(source string) {
	if m != nil {
		m.flowsCreated.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.tasksStarted.Inc()
	}
}

func (m *Metrics) outcomeRecorded() {
	if m != nil {
		m.outcomes.Inc()
	}
}

func (m *Metrics) fanOutFailed() {
	if m != nil {
		m.fanOutFailures.Inc()
	}
}

func (m *Metrics) draftCommitted() {
	if m != nil {
		m.draftCommits.Inc()
	}
}

func (m *Metrics) published() {
	if m != nil {
		m.publishes.Inc()
	}
}
