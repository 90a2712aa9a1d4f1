package engine

import (
	"context"
	"fmt"
)

// ServiceSpec asserts the runtime and boot state of a service.
type ServiceSpec struct {
	Params  ServiceParams  `json:"params"`
	Desired ServiceDesired `json:"desired"`
}

// ServiceParams identifies the service.
type ServiceParams struct {
	Name string `json:"name"`
}

// ServiceDesired holds the wanted flags. A nil flag is not managed.
type ServiceDesired struct {
	Running *bool `json:"running,omitempty"`
	Enabled *bool `json:"enabled,omitempty"`
}

// ServiceObserved is the probed state of a service.
type ServiceObserved struct {
	Exists  bool `json:"exists"`
	Running bool `json:"running"`
	Enabled bool `json:"enabled"`
}

func (ServiceObserved) observed() {}

func (o ServiceObserved) String() string {
	if !o.Exists {
		return "not installed"
	}
	return fmt.Sprintf("running=%t enabled=%t", o.Running, o.Enabled)
}

// Kind implements Spec.
func (s *ServiceSpec) Kind() Kind { return KindServiceState }

// Validate implements Spec.
func (s *ServiceSpec) Validate() error {
	if err := requireField(KindServiceState, "params.name", s.Params.Name); err != nil {
		return err
	}
	if s.Desired.Running == nil && s.Desired.Enabled == nil {
		return NewSchemaError("ServiceState: desired needs running or enabled", nil)
	}
	return nil
}

func (s *ServiceSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	st, err := h.ServiceStatus(ctx, s.Params.Name)
	if err != nil {
		return nil, err
	}
	return ServiceObserved(st), nil
}

func (s *ServiceSpec) converged(current CurrentState) bool {
	o, ok := current.(ServiceObserved)
	if !ok {
		return false
	}
	if !o.Exists {
		// A service that is not installed satisfies "stopped and disabled".
		return isFalse(s.Desired.Running) && isFalse(s.Desired.Enabled)
	}
	if s.Desired.Running != nil && *s.Desired.Running != o.Running {
		return false
	}
	if s.Desired.Enabled != nil && *s.Desired.Enabled != o.Enabled {
		return false
	}
	return true
}

func (s *ServiceSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(ServiceObserved)
	if !o.Exists {
		return NewMutationError("service "+s.Params.Name+" is not installed", nil)
	}

	var actions []ServiceAction
	if e := s.Desired.Enabled; e != nil && *e != o.Enabled {
		if *e {
			actions = append(actions, ServiceEnable)
		} else {
			actions = append(actions, ServiceDisable)
		}
	}
	if r := s.Desired.Running; r != nil && *r != o.Running {
		if *r {
			actions = append(actions, ServiceStart)
		} else {
			actions = append(actions, ServiceStop)
		}
	}

	for _, action := range actions {
		if err := h.ServiceSetState(ctx, s.Params.Name, action); err != nil {
			return fmt.Errorf("%s %s: %w", action, s.Params.Name, err)
		}
	}
	return nil
}

// isFalse treats an unmanaged flag as satisfied.
func isFalse(b *bool) bool {
	return b == nil || !*b
}
