package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Telemetry bundles the logger, tracer and metrics of one harden process.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config

	logCloser io.Closer
}

// New builds every telemetry component from cfg.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closer, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, nil)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:    logger,
		Tracer:    tracer,
		Metrics:   NewMetrics(cfg.Metrics),
		Config:    cfg,
		logCloser: closer,
	}, nil
}

// Flush writes the metrics textfile, if one is configured.
func (t *Telemetry) Flush() error {
	return t.Metrics.WriteTextfile("")
}

// Shutdown flushes metrics and spans and closes a file log output.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Flush(),
		t.Tracer.Shutdown(ctx),
		t.logCloser.Close(),
	)
}
