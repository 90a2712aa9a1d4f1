package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfroyo/harden/pkg/engine"
)

// Metrics records run outcomes in a Prometheus registry. It implements
// engine.Recorder and is safe for concurrent runs.
type Metrics struct {
	config MetricsConfig

	resources        *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	errorsByClass    *prometheus.CounterVec
	handlers         *prometheus.CounterVec
	runs             *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	lastRun          *prometheus.GaugeVec
	lastExitCode     *prometheus.GaugeVec
	lastChanged      *prometheus.GaugeVec
	lastFailed       *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ engine.Recorder = (*Metrics)(nil)

// NewMetrics creates a metrics recorder with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	namespace := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		resources: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resources_total",
				Help:      "Resources reconciled by outcome",
			},
			[]string{"host", "kind", "status"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_duration_seconds",
				Help:      "Time to probe and converge one resource",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Resource and handler errors by class",
			},
			[]string{"host", "class"},
		),
		handlers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handlers_total",
				Help:      "Notified handlers by outcome",
			},
			[]string{"host", "status"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Completed host runs by exit code",
			},
			[]string{"host", "exit_code"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of a host run",
				Buckets:   buckets,
			},
			[]string{"host"},
		),
		lastRun: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Completion time of the latest run",
			},
			[]string{"host"},
		),
		lastExitCode: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_exit_code",
				Help:      "Exit code of the latest run (0 ok, 1 failures, 2 fatal)",
			},
			[]string{"host"},
		),
		lastChanged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_changed_resources",
				Help:      "Resources changed by the latest run",
			},
			[]string{"host"},
		),
		lastFailed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_failed_resources",
				Help:      "Resources failed in the latest run",
			},
			[]string{"host"},
		),
	}

	registry.MustRegister(
		m.resources,
		m.resourceDuration,
		m.errorsByClass,
		m.handlers,
		m.runs,
		m.runDuration,
		m.lastRun,
		m.lastExitCode,
		m.lastChanged,
		m.lastFailed,
	)
	return m
}

// RecordResult implements engine.Recorder.
func (m *Metrics) RecordResult(host string, result engine.ExecutionResult) {
	m.resources.WithLabelValues(host, string(result.Kind), string(result.Status)).Inc()
	if result.Status != engine.StatusSkipped {
		m.resourceDuration.WithLabelValues(string(result.Kind)).Observe(result.Duration.Seconds())
	}
	if result.Error != nil {
		m.errorsByClass.WithLabelValues(host, string(result.Error.Class)).Inc()
	}
}

// RecordHandler implements engine.Recorder.
func (m *Metrics) RecordHandler(host string, result engine.HandlerResult) {
	m.handlers.WithLabelValues(host, string(result.Status)).Inc()
	if result.Error != nil {
		m.errorsByClass.WithLabelValues(host, string(result.Error.Class)).Inc()
	}
}

// RecordRun implements engine.Recorder.
func (m *Metrics) RecordRun(report *engine.RunReport) {
	if report == nil {
		return
	}
	code := report.ExitCode()
	sum := report.Summary()

	m.runs.WithLabelValues(report.Host, strconv.Itoa(code)).Inc()
	m.runDuration.WithLabelValues(report.Host).Observe(report.Duration.Seconds())
	m.lastRun.WithLabelValues(report.Host).Set(float64(report.CompletedAt.Unix()))
	m.lastExitCode.WithLabelValues(report.Host).Set(float64(code))
	m.lastChanged.WithLabelValues(report.Host).Set(float64(sum.Changed))
	m.lastFailed.WithLabelValues(report.Host).Set(float64(sum.Failed))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the registry to path for the node-exporter textfile
// collector. The file is replaced atomically. An empty path uses the
// configured TextfilePath; when both are empty nothing is written.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		path = m.config.TextfilePath
	}
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// NewMetricsServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
