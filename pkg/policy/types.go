package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/harden/pkg/engine"
)

// Severity represents the severity level of a guard violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the document before any host is contacted.
	SeverityError Severity = "error"
)

// Validate checks that the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return nil
	default:
		return fmt.Errorf("unknown severity %q", s)
	}
}

// Policy is a named Rego module whose deny set produces violations.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego module source.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is a single guard finding.
type Violation struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Resource is the offending resource ID, when the finding is about one.
	Resource string `json:"resource,omitempty"`

	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Resource != "" {
		return fmt.Sprintf("%s: %s (%s, resource=%s)", v.Severity, v.Message, v.Policy, v.Resource)
	}
	return fmt.Sprintf("%s: %s (%s)", v.Severity, v.Message, v.Policy)
}

// Result is the outcome of evaluating every enabled policy against a document.
type Result struct {
	// Allowed is false when any violation has error severity.
	Allowed bool `json:"allowed"`

	// Violations are ordered by policy evaluation order, then resource and message.
	Violations []Violation `json:"violations,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	Duration          time.Duration `json:"duration"`
}

// Blocking returns the error-severity violations.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity == SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Advisory returns the warning and info violations.
func (r *Result) Advisory() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity != SeverityError {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a SchemaError listing the blocking violations, or nil.
func (r *Result) Err() error {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	return engine.NewSchemaError("document rejected by guard rules", violations(blocking))
}

type violations []Violation

func (vs violations) Error() string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return strings.Join(parts, "; ")
}
