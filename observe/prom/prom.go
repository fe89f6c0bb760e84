// Package prom exports scope activity as Prometheus metrics.
package prom

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements scope.Observer on top of Prometheus collectors. Attach
// one to a scope with scope.WithObserver, or to leak checks with
// leakcheck.WithObserver, to track how many scopes a test suite creates and
// how long joins block.
type Metrics struct {
	scopesCreated   prometheus.Counter
	scopesCancelled prometheus.Counter
	scopesJoined    prometheus.Counter
	joinWait        prometheus.Histogram

	activeTasks   prometheus.Gauge
	tasksStarted  prometheus.Counter
	tasksErrored  prometheus.Counter
	tasksPanicked prometheus.Counter
	taskDuration  prometheus.Histogram
}

// New returns a Metrics observer registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		scopesCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "scopes", Name: "created_total",
			Help: "Scopes created.",
		}),
		scopesCancelled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "scopes", Name: "cancelled_total",
			Help: "Scopes cancelled before completing normally.",
		}),
		scopesJoined: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "scopes", Name: "joined_total",
			Help: "Completed scope joins.",
		}),
		joinWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leakscope", Subsystem: "scopes", Name: "join_wait_seconds",
			Help:    "Time callers blocked in Wait.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "leakscope", Subsystem: "tasks", Name: "active",
			Help: "Tasks currently running.",
		}),
		tasksStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "tasks", Name: "started_total",
			Help: "Tasks started.",
		}),
		tasksErrored: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "tasks", Name: "errored_total",
			Help: "Tasks that returned an error.",
		}),
		tasksPanicked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "leakscope", Subsystem: "tasks", Name: "panicked_total",
			Help: "Tasks that panicked.",
		}),
		taskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "leakscope", Subsystem: "tasks", Name: "duration_seconds",
			Help:    "Task run time.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) ScopeCreated(_ context.Context, _ string) { m.scopesCreated.Inc() }

func (m *Metrics) ScopeCancelled(_ context.Context, _ error) { m.scopesCancelled.Inc() }

func (m *Metrics) ScopeJoined(_ context.Context, wait time.Duration) {
	m.scopesJoined.Inc()
	m.joinWait.Observe(wait.Seconds())
}

func (m *Metrics) TaskStarted(_ context.Context) {
	m.activeTasks.Inc()
	m.tasksStarted.Inc()
}

func (m *Metrics) TaskFinished(_ context.Context, dur time.Duration, err error, panicked bool) {
	m.activeTasks.Dec()
	if err != nil {
		m.tasksErrored.Inc()
	}
	if panicked {
		m.tasksPanicked.Inc()
	}
	m.taskDuration.Observe(dur.Seconds())
}
