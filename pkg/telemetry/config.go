package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for a harden process.
type Config struct {
	// ServiceName identifies the process in traces.
	ServiceName string

	// ServiceVersion is the build version.
	ServiceVersion string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format is console or json.
	Format string

	// Output is stdout, stderr or a file path.
	Output string

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool

	// NoColor disables colour in console output.
	NoColor bool
}

// TracingConfig configures run and resource spans.
type TracingConfig struct {
	// Exporter is otlp, stdout or none.
	Exporter string

	// Endpoint is the OTLP gRPC collector address.
	Endpoint string

	// Insecure disables TLS for the OTLP connection.
	Insecure bool

	// Headers are sent with every OTLP export.
	Headers map[string]string

	// SamplingRate is the fraction of runs traced (0.0 to 1.0).
	SamplingRate float64

	// ExportTimeout bounds a single export.
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	// Namespace prefixes every metric name.
	Namespace string

	// TextfilePath, when set, receives the registry in text format after
	// every run for the node-exporter textfile collector.
	TextfilePath string

	// Buckets are the duration histogram buckets in seconds.
	Buckets []float64
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "harden",
		ServiceVersion: "dev",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			ExportTimeout: 10 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Namespace: "harden",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	switch c.Tracing.Exporter {
	case "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			return fmt.Errorf("trace endpoint is required for the otlp exporter")
		}
	default:
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
