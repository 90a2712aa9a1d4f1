// Package telemetry provides logging, metrics and tracing for harden.
//
// Logging uses zerolog with console or JSON output. Metrics implements
// engine.Recorder over a private Prometheus registry; after each run the
// registry can be written to a node-exporter textfile or served over HTTP
// in watch mode. Tracing uses OpenTelemetry with an OTLP gRPC or stdout
// exporter, and is a no-op when disabled.
//
// Typical setup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.Metrics.TextfilePath = "/var/lib/node_exporter/harden.prom"
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	coord := engine.NewCoordinator(opts,
//		engine.WithLogger(tel.Logger),
//		engine.WithTracer(tel.Tracer.Tracer()),
//		engine.WithRecorder(tel.Metrics),
//	)
package telemetry
