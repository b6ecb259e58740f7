package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/agentos/run"
)

// metrics holds the Prometheus instrumentation for the serving surface. A
// private registry keeps the /metrics endpoint free of unrelated collectors.
type metrics struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	tokensTotal *prometheus.CounterVec
	eventsTotal *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_runs_total",
			Help: "Finished runs by entity and terminal status.",
		}, []string{"entity_type", "entity_id", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentos_run_duration_seconds",
			Help:    "Run wall time in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"entity_type", "entity_id"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_tokens_total",
			Help: "Model tokens consumed by finished runs.",
		}, []string{"entity_type", "entity_id", "direction"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentos_events_total",
			Help: "Run events streamed, by event type.",
		}, []string{"entity_type", "entity_id", "event"}),
	}

	m.registry.MustRegister(m.runsTotal, m.runDuration, m.tokensTotal, m.eventsTotal)
	return m
}

// observeRun records a finished (or paused) run returned by a blocking
// endpoint.
func (m *metrics) observeRun(entityType, entityID string, out *run.Output) {
	if !out.Status.Terminal() {
		return
	}
	m.runsTotal.WithLabelValues(entityType, entityID, string(out.Status)).Inc()
	if out.Metrics != nil {
		m.runDuration.WithLabelValues(entityType, entityID).Observe(out.Metrics.Duration.Seconds())
		m.tokensTotal.WithLabelValues(entityType, entityID, "input").Add(float64(out.Metrics.InputTokens))
		m.tokensTotal.WithLabelValues(entityType, entityID, "output").Add(float64(out.Metrics.OutputTokens))
	}
}

// observeEvent records one streamed event; terminal events also count as
// finished runs.
func (m *metrics) observeEvent(entityType, entityID string, ev run.Event) {
	m.eventsTotal.WithLabelValues(entityType, entityID, string(ev.Type())).Inc()

	switch e := ev.(type) {
	case *run.RunCompletedEvent:
		m.runsTotal.WithLabelValues(entityType, entityID, string(run.StatusCompleted)).Inc()
		if e.Metrics != nil {
			m.runDuration.WithLabelValues(entityType, entityID).Observe(e.Metrics.Duration.Seconds())
			m.tokensTotal.WithLabelValues(entityType, entityID, "input").Add(float64(e.Metrics.InputTokens))
			m.tokensTotal.WithLabelValues(entityType, entityID, "output").Add(float64(e.Metrics.OutputTokens))
		}
	case *run.RunErrorEvent:
		m.runsTotal.WithLabelValues(entityType, entityID, string(run.StatusError)).Inc()
	case *run.RunCancelledEvent:
		m.runsTotal.WithLabelValues(entityType, entityID, string(run.StatusCancelled)).Inc()
	}
}
