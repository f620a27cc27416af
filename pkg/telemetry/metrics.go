package telemetry

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/modulefactory/pkg/engine"
)

// Metrics provides Prometheus metrics for the factory. It implements
// engine.Observer.
type Metrics struct {
	config MetricsConfig

	instancesStarted  prometheus.Counter
	instancesFinished *prometheus.CounterVec
	instanceDuration  *prometheus.HistogramVec
	activeInstances   prometheus.Gauge

	dispatchAttempts *prometheus.CounterVec
	dispatchBackoff  prometheus.Histogram

	signals         *prometheus.CounterVec
	cleanups        *prometheus.CounterVec
	awaitDuration   *prometheus.HistogramVec
	admissionDenied prometheus.Counter

	registry *prometheus.Registry
}

var _ engine.Observer = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		instancesStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of build instances started",
			},
		),
		instancesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of build instances finished",
			},
			[]string{"state", "cause"},
		),
		instanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "instance_duration_seconds",
				Help:      "Time from acceptance to terminal state in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),
		activeInstances: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_instances",
				Help:      "Current number of non-terminal build instances",
			},
		),
		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Total number of dispatch attempts",
			},
			[]string{"outcome"},
		),
		dispatchBackoff: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_backoff_seconds",
				Help:      "Backoff scheduled after a failed dispatch attempt",
				Buckets:   []float64{10, 20, 40, 80, 160, 320},
			},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Total number of completion signals received",
			},
			[]string{"accepted", "reason"},
		),
		cleanups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cleanups_total",
				Help:      "Total number of cleanup runs",
			},
			[]string{"success"},
		),
		awaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "await_duration_seconds",
				Help:      "Time spent parked awaiting a completion signal",
				Buckets:   buckets,
			},
			[]string{"cause"},
		),
		admissionDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_denied_total",
				Help:      "Total number of build requests denied by admission policy",
			},
		),
	}

	registry.MustRegister(
		m.instancesStarted,
		m.instancesFinished,
		m.instanceDuration,
		m.activeInstances,
		m.dispatchAttempts,
		m.dispatchBackoff,
		m.signals,
		m.cleanups,
		m.awaitDuration,
		m.admissionDenied,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// InstanceStarted records an accepted build request.
func (m *Metrics) InstanceStarted() {
	if m.registry == nil {
		return
	}
	m.instancesStarted.Inc()
	m.activeInstances.Inc()
}

// InstanceFinished records an instance reaching a terminal state.
func (m *Metrics) InstanceFinished(state engine.WorkflowState, cause engine.ResolutionCause, seconds float64) {
	if m.registry == nil {
		return
	}
	m.instancesFinished.WithLabelValues(string(state), string(cause)).Inc()
	m.instanceDuration.WithLabelValues(string(state)).Observe(seconds)
	m.activeInstances.Dec()
}

// DispatchAttempted records one dispatch attempt and its scheduled backoff.
func (m *Metrics) DispatchAttempted(outcome engine.AttemptOutcome, backoffSeconds float64) {
	if m.registry == nil {
		return
	}
	m.dispatchAttempts.WithLabelValues(string(outcome)).Inc()
	if backoffSeconds > 0 {
		m.dispatchBackoff.Observe(backoffSeconds)
	}
}

// SignalReceived records a completion signal and whether it won.
func (m *Metrics) SignalReceived(accepted bool, reason engine.RejectReason) {
	if m.registry == nil {
		return
	}
	m.signals.WithLabelValues(strconv.FormatBool(accepted), string(reason)).Inc()
}

// CleanupFinished records a cleanup outcome.
func (m *Metrics) CleanupFinished(success bool) {
	if m.registry == nil {
		return
	}
	m.cleanups.WithLabelValues(strconv.FormatBool(success)).Inc()
}

// AwaitFinished records how long an instance was parked and why it left.
func (m *Metrics) AwaitFinished(cause engine.ResolutionCause, seconds float64) {
	if m.registry == nil {
		return
	}
	m.awaitDuration.WithLabelValues(string(cause)).Observe(seconds)
}

// AdmissionDenied records a request rejected by admission policy.
func (m *Metrics) AdmissionDenied() {
	if m.registry == nil {
		return
	}
	m.admissionDenied.Inc()
}

// RegisterGauge exposes a value sampled at scrape time, such as pool
// occupancy.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	if m.registry == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Name:      name,
			Help:      help,
		},
		fn,
	))
}

// Registry returns the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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
