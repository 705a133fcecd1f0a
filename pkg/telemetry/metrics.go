package telemetry

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for cherve runs.
// A nil *Metrics or a disabled one accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Install metrics
	packagesInstalled prometheus.Counter

	// Site metrics
	siteMode           *prometheus.GaugeVec
	configsPublished   *prometheus.CounterVec
	certificatesIssued *prometheus.CounterVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of command runs started",
			},
			[]string{"command"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of command runs completed",
			},
			[]string{"command", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of command runs in seconds",
				Buckets:   buckets,
			},
			[]string{"command", "status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of steps executed",
			},
			[]string{"kind", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of steps in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		packagesInstalled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_installed_total",
				Help:      "Total number of packages installed",
			},
		),

		siteMode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "site_app_mode",
				Help:      "Whether the site serves its application (1) or the landing page (0)",
			},
			[]string{"site"},
		),
		configsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "routing_configs_published_total",
				Help:      "Total number of routing config publish attempts",
			},
			[]string{"result"},
		),
		certificatesIssued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "certificates_issued_total",
				Help:      "Total number of certificate issuance attempts",
			},
			[]string{"result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.packagesInstalled,
		m.siteMode,
		m.configsPublished,
		m.certificatesIssued,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(command string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(command).Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(command, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(command, status).Inc()
	m.runDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}

// Step Metrics

// RecordStep records one executed step, e.g. an install leaf or a publish.
func (m *Metrics) RecordStep(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.stepsExecuted.WithLabelValues(kind, status).Inc()
	m.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordPackagesInstalled adds n freshly installed packages.
func (m *Metrics) RecordPackagesInstalled(n int) {
	if !m.enabled() || n <= 0 {
		return
	}
	m.packagesInstalled.Add(float64(n))
}

// Site Metrics

// SetSiteMode records whether a site serves its application.
func (m *Metrics) SetSiteMode(site string, app bool) {
	if !m.enabled() {
		return
	}
	value := 0.0
	if app {
		value = 1.0
	}
	m.siteMode.WithLabelValues(site).Set(value)
}

// RecordPublish records a routing config publish attempt.
func (m *Metrics) RecordPublish(ok bool) {
	if !m.enabled() {
		return
	}
	m.configsPublished.WithLabelValues(result(ok)).Inc()
}

// RecordCertificate records a certificate issuance attempt.
func (m *Metrics) RecordCertificate(ok bool) {
	if !m.enabled() {
		return
	}
	m.certificatesIssued.WithLabelValues(result(ok)).Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// WriteTextfile writes the current metrics to <TextfileDir>/<name>.prom for
// the node_exporter textfile collector. It is a no-op without a directory.
func (m *Metrics) WriteTextfile(name string) error {
	if !m.enabled() || m.config.TextfileDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.config.TextfileDir, 0755); err != nil {
		return fmt.Errorf("failed to create textfile directory: %w", err)
	}
	path := filepath.Join(m.config.TextfileDir, name+".prom")
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
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
