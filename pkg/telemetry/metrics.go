package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the poller and its collaborators.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Poller metrics
	pollSteps        prometheus.Counter
	pollStepDuration prometheus.Histogram
	eventsInStep     prometheus.Gauge

	// Workflow metrics
	transitions *prometheus.CounterVec
	eventErrors *prometheus.CounterVec
	eventsStuck *prometheus.CounterVec

	// Collaborator metrics
	notifications *prometheus.CounterVec
	fleetCalls    *prometheus.CounterVec
	fleetDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		pollSteps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_steps_total",
				Help:      "Total number of poll steps executed",
			},
		),
		pollStepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "poll_step_duration_seconds",
				Help:      "Duration of poll steps in seconds",
				Buckets:   buckets,
			},
		),
		eventsInStep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_step_events",
				Help:      "Number of incomplete service events seen by the last poll step",
			},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of service event state transitions",
			},
			[]string{"workflow", "from", "to"},
		),
		eventErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of per-event step failures by error class",
			},
			[]string{"workflow", "class"},
		),
		eventsStuck: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_stuck_total",
				Help:      "Total number of service events marked stuck",
			},
			[]string{"workflow"},
		),

		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notification deliveries",
			},
			[]string{"kind", "channel", "result"},
		),
		fleetCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fleet_calls_total",
				Help:      "Total number of fleet client calls",
			},
			[]string{"operation", "result"},
		),
		fleetDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fleet_call_duration_seconds",
				Help:      "Duration of fleet client calls in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.pollSteps,
		m.pollStepDuration,
		m.eventsInStep,
		m.transitions,
		m.eventErrors,
		m.eventsStuck,
		m.notifications,
		m.fleetCalls,
		m.fleetDuration,
	)

	return m, nil
}

// Poller Metrics

// RecordStep records a completed poll step.
func (m *Metrics) RecordStep(duration time.Duration, events int) {
	if m.pollSteps == nil {
		return
	}
	m.pollSteps.Inc()
	m.pollStepDuration.Observe(duration.Seconds())
	m.eventsInStep.Set(float64(events))
}

// RecordTransition records a persisted state change.
func (m *Metrics) RecordTransition(workflow, from, to string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(workflow, from, to).Inc()
}

// RecordEventError records a failed event step by error class.
func (m *Metrics) RecordEventError(workflow, class string) {
	if m.eventErrors == nil {
		return
	}
	m.eventErrors.WithLabelValues(workflow, class).Inc()
}

// RecordStuck records an event being marked stuck.
func (m *Metrics) RecordStuck(workflow string) {
	if m.eventsStuck == nil {
		return
	}
	m.eventsStuck.WithLabelValues(workflow).Inc()
}

// Collaborator Metrics

// RecordNotification records a notification delivery attempt.
func (m *Metrics) RecordNotification(kind, channel string, err error) {
	if m.notifications == nil {
		return
	}
	m.notifications.WithLabelValues(kind, channel, result(err)).Inc()
}

// RecordFleetCall records a fleet client call with its duration.
func (m *Metrics) RecordFleetCall(operation string, duration time.Duration, err error) {
	if m.fleetCalls == nil {
		return
	}
	m.fleetCalls.WithLabelValues(operation, result(err)).Inc()
	m.fleetDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
