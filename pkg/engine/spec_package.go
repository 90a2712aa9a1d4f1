package engine

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// PackageSpec asserts the installation state of a package.
type PackageSpec struct {
	Params  PackageParams  `json:"params"`
	Desired PackageDesired `json:"desired"`
}

// PackageParams identifies the package and optionally the manager to use.
type PackageParams struct {
	Name    string `json:"name"`
	Manager string `json:"manager,omitempty"`
}

// PackageDesired holds the wanted state and an optional version constraint.
type PackageDesired struct {
	State   string `json:"state,omitempty"`
	Version string `json:"version,omitempty"`
}

// PackageObserved is the probed state of a package.
type PackageObserved struct {
	Manager   string `json:"manager"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

func (PackageObserved) observed() {}

func (o PackageObserved) String() string {
	if !o.Installed {
		return "not installed"
	}
	return "installed " + o.Version
}

// Kind implements Spec.
func (s *PackageSpec) Kind() Kind { return KindPackageState }

// Validate implements Spec.
func (s *PackageSpec) Validate() error {
	if err := requireField(KindPackageState, "params.name", s.Params.Name); err != nil {
		return err
	}
	if m := s.Params.Manager; m != "" {
		if _, ok := managerProbe[m]; !ok {
			return NewSchemaError(fmt.Sprintf("PackageState: unsupported manager %q", m), nil)
		}
	}
	switch s.state() {
	case "present", "latest":
	case "absent":
		if s.Desired.Version != "" {
			return NewSchemaError("PackageState: version cannot be combined with state absent", nil)
		}
	default:
		return NewSchemaError(fmt.Sprintf("PackageState: invalid state %q (want present, absent or latest)", s.Desired.State), nil)
	}
	if s.Desired.Version != "" {
		if _, err := semver.NewConstraint(s.Desired.Version); err != nil {
			return NewSchemaError("PackageState: invalid version constraint", err)
		}
	}
	return nil
}

func (s *PackageSpec) state() string {
	if s.Desired.State == "" {
		return "present"
	}
	return s.Desired.State
}

func (s *PackageSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	manager := s.Params.Manager
	if manager == "" {
		detected, err := detectPackageManager(ctx, h)
		if err != nil {
			return nil, err
		}
		manager = detected
	}

	installed, version, err := queryInstalled(ctx, h, manager, s.Params.Name)
	if err != nil {
		return nil, err
	}
	o := PackageObserved{Manager: manager, Installed: installed, Version: version}

	if s.state() == "latest" {
		candidate, err := queryCandidate(ctx, h, manager, s.Params.Name)
		if err != nil {
			return nil, err
		}
		o.Candidate = candidate
	}
	return o, nil
}

func (s *PackageSpec) satisfiesVersion(version string) bool {
	if s.Desired.Version == "" {
		return true
	}
	c, err := semver.NewConstraint(s.Desired.Version)
	if err != nil {
		return false
	}
	v, err := coerceVersion(version)
	if err != nil {
		return false
	}
	return c.Check(v)
}

func (s *PackageSpec) converged(current CurrentState) bool {
	o, ok := current.(PackageObserved)
	if !ok {
		return false
	}
	switch s.state() {
	case "absent":
		return !o.Installed
	case "latest":
		if !o.Installed {
			return false
		}
		if o.Candidate != "" && o.Candidate != o.Version {
			return false
		}
		return s.satisfiesVersion(o.Version)
	default:
		return o.Installed && s.satisfiesVersion(o.Version)
	}
}

func (s *PackageSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(PackageObserved)

	var op packageOp
	switch {
	case s.state() == "absent":
		op = pkgRemove
	case !o.Installed:
		op = pkgInstall
	default:
		op = pkgUpgrade
	}
	return changePackage(ctx, h, o.Manager, op, s.Params.Name)
}
