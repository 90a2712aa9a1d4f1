package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// DefaultTimeout bounds a single probe or mutation when the caller sets none.
	DefaultTimeout = 60 * time.Second

	// DefaultSettleRetries is how many extra re-probes a mutation gets to converge.
	DefaultSettleRetries = 3

	// DefaultSettleInterval is the first wait between re-probes.
	DefaultSettleInterval = 250 * time.Millisecond
)

// ReconcileOptions tune how a single resource is reconciled.
type ReconcileOptions struct {
	// DryRun probes and compares only. Non-converged resources report changed.
	DryRun bool

	// Timeout bounds each probe and each mutation. Resource.Timeout overrides it.
	Timeout time.Duration

	// SettleRetries is the number of additional re-probes after a mutation
	// before the resource is declared failed.
	SettleRetries uint64

	// SettleInterval is the initial backoff between re-probes.
	SettleInterval time.Duration
}

func (o ReconcileOptions) timeoutFor(r Resource) time.Duration {
	switch {
	case r.Timeout > 0:
		return r.Timeout
	case o.Timeout > 0:
		return o.Timeout
	default:
		return DefaultTimeout
	}
}

// bounded runs fn under its own deadline, detached from cancellation of ctx.
// The call returns when fn does or when the deadline passes, whichever is first,
// so a host that ignores its context cannot stall the run.
func bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- fn(opCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %w", context.DeadlineExceeded, err)
		}
		return err
	case <-opCtx.Done():
		return fmt.Errorf("no response after %s: %w", timeout, context.DeadlineExceeded)
	}
}

// Probe reads the current state of r on h. It never mutates the host.
// Absence of the host object is a valid state; an inaccessible object is a
// ProbeError and an overrun is a TimeoutError.
func Probe(ctx context.Context, h Host, r Resource, timeout time.Duration) (CurrentState, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var state CurrentState
	err := bounded(ctx, timeout, func(ctx context.Context) error {
		st, err := r.Spec.probe(ctx, h)
		if err != nil {
			return err
		}
		state = st
		return nil
	})
	if err != nil {
		return nil, classify(ErrorClassProbe, "probe", err).WithResource(r.ID).WithKind(r.Kind)
	}
	return state, nil
}

// Reconcile compares current with the desired state of r and converges it.
//
// A converged resource is reported unchanged without touching the host. Otherwise
// the kind's minimal mutation is applied and the object re-probed; a re-probe
// that still disagrees fails the resource with a MutationError.
func Reconcile(ctx context.Context, h Host, r Resource, current CurrentState, opts ReconcileOptions) ExecutionResult {
	started := time.Now()
	result := ExecutionResult{
		ResourceID: r.ID,
		Kind:       r.Kind,
		Fatal:      r.Fatal,
		Before:     current,
		StartedAt:  started,
	}
	finish := func(status Status, msg string, err *EngineError, after CurrentState) ExecutionResult {
		result.Status = status
		result.Message = msg
		result.After = after
		if err != nil {
			result.Error = err.WithResource(r.ID).WithKind(r.Kind)
			if msg == "" {
				result.Message = err.Detail()
			}
		}
		result.Duration = time.Since(started)
		return result
	}

	if r.Spec.converged(current) {
		return finish(StatusUnchanged, "", nil, current)
	}

	if !r.Kind.Mutating() {
		err := r.Spec.apply(ctx, h, current)
		return finish(StatusFailed, "", classify(ErrorClassAssertion, "assert", err), current)
	}

	if opts.DryRun {
		return finish(StatusChanged, "would change: "+current.String(), nil, current)
	}

	timeout := opts.timeoutFor(r)
	if err := bounded(ctx, timeout, func(ctx context.Context) error {
		return r.Spec.apply(ctx, h, current)
	}); err != nil {
		return finish(StatusFailed, "", classify(ErrorClassMutation, "apply", err), current)
	}

	after, err := settle(ctx, h, r, timeout, opts)
	if err != nil {
		return finish(StatusFailed, "", classify(ErrorClassMutation, "reprobe", err), after)
	}
	return finish(StatusChanged, current.String()+" -> "+after.String(), nil, after)
}

var errNotConverged = errors.New("state did not converge")

// settle re-probes after a mutation with exponential backoff until the resource
// reports converged or the retries run out.
func settle(ctx context.Context, h Host, r Resource, timeout time.Duration, opts ReconcileOptions) (CurrentState, error) {
	b := backoff.NewExponentialBackOff()
	if opts.SettleInterval > 0 {
		b.InitialInterval = opts.SettleInterval
	}
	b.MaxElapsedTime = timeout
	b.Reset()

	var last CurrentState
	op := func() error {
		st, err := Probe(ctx, h, r, timeout)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = st
		if !r.Spec.converged(st) {
			return errNotConverged
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, opts.SettleRetries), context.WithoutCancel(ctx))
	if err := backoff.Retry(op, policy); err != nil {
		if errors.Is(err, errNotConverged) {
			msg := "re-probe still disagrees with desired state"
			if last != nil {
				msg += " (" + last.String() + ")"
			}
			return last, NewMutationError(msg, nil).WithOperation("reprobe")
		}
		return last, err
	}
	return last, nil
}
