package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/harden/pkg/engine"

// Skip reasons recorded on results and handlers that did not run.
const (
	ReasonNotSelected = "not selected"
	ReasonCancelled   = "run cancelled"
	ReasonHalted      = "run halted by fatal resource"
	ReasonDryRun      = "dry run"
)

// RunOptions configure a run of a document against a host.
type RunOptions struct {
	ReconcileOptions

	// ContinueOnError ignores fatal flags: every failure is recorded and the run continues.
	ContinueOnError bool

	// Tags selects resources carrying at least one of these tags. Empty selects all.
	Tags []string
}

// Coordinator executes policy documents against hosts.
// A Coordinator is safe for concurrent use; each run owns its report.
type Coordinator struct {
	opts     RunOptions
	logger   zerolog.Logger
	tracer   trace.Tracer
	recorder Recorder
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for run and resource events.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// WithTracer sets the tracer used for run and resource spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Coordinator) { c.tracer = tracer }
}

// WithRecorder sets the observer notified of every result.
func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) { c.recorder = recorder }
}

// NewCoordinator creates a run coordinator.
func NewCoordinator(opts RunOptions, options ...Option) *Coordinator {
	c := &Coordinator{
		opts:     opts,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		recorder: nopRecorder{},
	}
	for _, o := range options {
		o(c)
	}
	return c
}

// Run applies doc to h and returns the complete report. Failures are
// represented in the report; Run never returns an error or panics.
//
// Resources are reconciled strictly in document order. A failed fatal resource
// halts the run: no later resource is attempted and no handler fires.
// Cancellation of ctx is observed between resources; the operation in flight
// always completes or times out.
func (c *Coordinator) Run(ctx context.Context, doc *Document, h Host) *RunReport {
	report := &RunReport{
		RunID:         uuid.New().String(),
		Host:          h.Name(),
		Policy:        doc.Name,
		DryRun:        c.opts.DryRun,
		Results:       make([]ExecutionResult, 0, len(doc.Resources)),
		HandlersFired: []string{},
		StartedAt:     time.Now(),
	}
	if report.Policy == "" {
		report.Policy = doc.Source
	}

	ctx, span := c.tracer.Start(ctx, "harden.run", trace.WithAttributes(
		attribute.String("harden.host", report.Host),
		attribute.String("harden.run_id", report.RunID),
		attribute.Bool("harden.dry_run", report.DryRun),
	))
	defer span.End()

	logger := c.logger.With().
		Str("host", report.Host).
		Str("run_id", report.RunID).
		Logger()
	logger.Info().Int("resources", len(doc.Resources)).Bool("dry_run", report.DryRun).Msg("Run started")

	notes := newNotifications()

	for i, r := range doc.Resources {
		if ctx.Err() != nil {
			report.Cancelled = true
			for _, rest := range doc.Resources[i:] {
				c.append(report, skippedResult(rest, ReasonCancelled))
			}
			logger.Warn().Int("skipped", len(doc.Resources)-i).Msg("Run cancelled")
			break
		}

		if !c.selected(r) {
			c.append(report, skippedResult(r, ReasonNotSelected))
			continue
		}

		res := c.reconcile(ctx, h, r, logger)
		c.append(report, res)

		if res.Status == StatusChanged {
			notes.notify(r.ID, r.Notify)
		}
		if res.Status == StatusFailed && r.Fatal && !c.opts.ContinueOnError {
			report.Halted = true
			report.HaltedBy = r.ID
			logger.Error().Str("resource_id", r.ID).Msg("Fatal resource failed, halting run")
			break
		}
	}

	c.runHandlers(ctx, doc, h, report, notes, logger)

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	c.recorder.RecordRun(report)

	sum := report.Summary()
	span.SetAttributes(
		attribute.Int("harden.changed", sum.Changed),
		attribute.Int("harden.failed", sum.Failed),
	)
	if code := report.ExitCode(); code != ExitOK {
		span.SetStatus(codes.Error, fmt.Sprintf("exit code %d", code))
	}
	logger.Info().
		Int("unchanged", sum.Unchanged).
		Int("changed", sum.Changed).
		Int("failed", sum.Failed).
		Int("skipped", sum.Skipped).
		Strs("handlers_fired", report.HandlersFired).
		Dur("duration", report.Duration).
		Msg("Run completed")

	return report
}

func (c *Coordinator) append(report *RunReport, res ExecutionResult) {
	report.Results = append(report.Results, res)
	c.recorder.RecordResult(report.Host, res)
}

func (c *Coordinator) reconcile(ctx context.Context, h Host, r Resource, logger zerolog.Logger) ExecutionResult {
	ctx, span := c.tracer.Start(ctx, "harden.resource", trace.WithAttributes(
		attribute.String("harden.resource_id", r.ID),
		attribute.String("harden.kind", string(r.Kind)),
	))
	defer span.End()

	started := time.Now()
	current, err := Probe(ctx, h, r, c.opts.timeoutFor(r))

	var res ExecutionResult
	if err != nil {
		ee := classify(ErrorClassProbe, "probe", err)
		res = ExecutionResult{
			ResourceID: r.ID,
			Kind:       r.Kind,
			Status:     StatusFailed,
			Message:    ee.Detail(),
			Error:      ee,
			Fatal:      r.Fatal,
			StartedAt:  started,
			Duration:   time.Since(started),
		}
	} else {
		res = Reconcile(ctx, h, r, current, c.opts.ReconcileOptions)
		res.StartedAt = started
		res.Duration = time.Since(started)
	}

	span.SetAttributes(attribute.String("harden.status", string(res.Status)))
	event := logger.Debug()
	switch res.Status {
	case StatusFailed:
		span.SetStatus(codes.Error, res.Message)
		event = logger.Error().Str("error_class", string(res.Error.Class))
	case StatusChanged:
		event = logger.Info()
	}
	event.
		Str("resource_id", r.ID).
		Str("kind", string(r.Kind)).
		Str("status", string(res.Status)).
		Dur("duration", res.Duration).
		Msg(res.Message)

	return res
}

func (c *Coordinator) selected(r Resource) bool {
	if len(c.opts.Tags) == 0 {
		return true
	}
	for _, want := range c.opts.Tags {
		for _, tag := range r.Tags {
			if tag == want {
				return true
			}
		}
	}
	return false
}

func (c *Coordinator) runHandlers(ctx context.Context, doc *Document, h Host, report *RunReport, notes *notifications, logger zerolog.Logger) {
	for _, name := range notes.pending() {
		by := notes.notifiedBy(name)

		var reason string
		switch {
		case report.Halted:
			reason = ReasonHalted
		case report.Cancelled || ctx.Err() != nil:
			reason = ReasonCancelled
		case report.DryRun:
			reason = ReasonDryRun
		}
		if reason != "" {
			c.appendHandler(report, skippedHandler(name, by, reason))
			continue
		}

		handler, ok := doc.Handlers[name]
		if !ok {
			// Documents are validated at load; this only guards hand-built ones.
			res := HandlerResult{
				Name:       name,
				Status:     StatusFailed,
				NotifiedBy: by,
				Error:      NewHandlerError("handler is not defined", nil).WithResource(name),
			}
			res.Message = res.Error.Detail()
			c.appendHandler(report, res)
			continue
		}
		if handler.Name == "" {
			handler.Name = name
		}

		_, span := c.tracer.Start(ctx, "harden.handler", trace.WithAttributes(
			attribute.String("harden.handler", name),
		))
		res := runHandler(ctx, h, handler, by, c.opts.timeoutFor(Resource{}))
		if res.Status == StatusFailed {
			span.SetStatus(codes.Error, res.Message)
			logger.Error().Str("handler", name).Msg(res.Message)
		} else {
			logger.Info().Str("handler", name).Strs("notified_by", by).Msg("Handler fired")
		}
		span.End()

		report.HandlersFired = append(report.HandlersFired, name)
		c.appendHandler(report, res)
	}
}

func (c *Coordinator) appendHandler(report *RunReport, res HandlerResult) {
	report.Handlers = append(report.Handlers, res)
	c.recorder.RecordHandler(report.Host, res)
}

func skippedResult(r Resource, reason string) ExecutionResult {
	return ExecutionResult{
		ResourceID: r.ID,
		Kind:       r.Kind,
		Status:     StatusSkipped,
		Message:    reason,
		Fatal:      r.Fatal,
		StartedAt:  time.Now(),
	}
}
