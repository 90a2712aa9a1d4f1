package engine

import (
	"context"
	"fmt"
	"time"
)

// notifications collects handler notifications during a resource pass.
// Each handler appears once, in the order it was first notified.
type notifications struct {
	order []string
	by    map[string][]string
}

func newNotifications() *notifications {
	return &notifications{by: make(map[string][]string)}
}

// notify records that resourceID changed and notified handlers.
func (n *notifications) notify(resourceID string, handlers []string) {
	for _, name := range handlers {
		if _, seen := n.by[name]; !seen {
			n.order = append(n.order, name)
		}
		n.by[name] = append(n.by[name], resourceID)
	}
}

// pending returns the notified handler names in first-notification order.
func (n *notifications) pending() []string {
	return n.order
}

func (n *notifications) notifiedBy(name string) []string {
	return n.by[name]
}

// runHandler executes a deferred handler action once.
func runHandler(ctx context.Context, h Host, handler Handler, notifiedBy []string, timeout time.Duration) HandlerResult {
	started := time.Now()
	result := HandlerResult{Name: handler.Name, NotifiedBy: notifiedBy}

	err := bounded(ctx, timeout, func(ctx context.Context) error {
		return handler.Action.execute(ctx, h)
	})
	result.Duration = time.Since(started)

	if err != nil {
		result.Status = StatusFailed
		result.Error = NewHandlerError(handler.Action.String()+" failed", err).
			WithResource(handler.Name).
			WithOperation("handler")
		result.Message = result.Error.Detail()
		return result
	}
	result.Status = StatusChanged
	result.Message = handler.Action.String()
	return result
}

// skippedHandler records a notified handler that did not run.
func skippedHandler(name string, notifiedBy []string, reason string) HandlerResult {
	return HandlerResult{
		Name:       name,
		Status:     StatusSkipped,
		NotifiedBy: notifiedBy,
		Message:    reason,
	}
}

// Validate checks that the action is a well-formed service action or command.
func (a HandlerAction) Validate() error {
	switch {
	case a.Service != "" && a.Command != "":
		return NewSchemaError("handler action needs either service or command, not both", nil)
	case a.Service != "":
		if err := a.Verb.Validate(); err != nil {
			return err
		}
		switch a.Verb {
		case ServiceRestart, ServiceReload, ServiceStart, ServiceStop:
			return nil
		default:
			return NewSchemaError(fmt.Sprintf("handler verb %q is not one of restart, reload, start, stop", a.Verb), nil)
		}
	case a.Command != "":
		return nil
	default:
		return NewSchemaError("handler action needs a service or a command", nil)
	}
}

func (a HandlerAction) String() string {
	if a.Service != "" {
		return fmt.Sprintf("%s %s", a.Verb, a.Service)
	}
	return a.Command
}

func (a HandlerAction) execute(ctx context.Context, h Host) error {
	if a.Service != "" {
		return h.ServiceSetState(ctx, a.Service, a.Verb)
	}
	res, err := h.RunCommand(ctx, Command{Script: a.Command})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%q exited %d: %s", a.Command, res.ExitCode, lastLine(res.Stderr))
	}
	return nil
}
