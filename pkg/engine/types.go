package engine

import (
	"time"
)

// Kind is the resource kind. The set of kinds is closed.
type Kind string

const (
	KindPackageState     Kind = "PackageState"
	KindServiceState     Kind = "ServiceState"
	KindFileAttributes   Kind = "FileAttributes"
	KindLineInFile       Kind = "LineInFile"
	KindMountOption      Kind = "MountOption"
	KindSysctlValue      Kind = "SysctlValue"
	KindCommandAssertion Kind = "CommandAssertion"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{
	KindPackageState,
	KindServiceState,
	KindFileAttributes,
	KindLineInFile,
	KindMountOption,
	KindSysctlValue,
	KindCommandAssertion,
}

// Validate checks if the kind is one of the supported kinds.
func (k Kind) Validate() error {
	for _, known := range Kinds {
		if k == known {
			return nil
		}
	}
	return NewSchemaError("unknown resource kind "+string(k), nil)
}

// Mutating reports whether resources of this kind can change host state.
func (k Kind) Mutating() bool {
	return k != KindCommandAssertion
}

// Document is a loaded policy document. It is read-only once loaded and is
// shared by every host run.
type Document struct {
	// Name is an optional human-readable name for the document.
	Name string `json:"name,omitempty"`

	// Source is the path the document was loaded from.
	Source string `json:"source,omitempty"`

	// Digest is the sha256 of the source bytes.
	Digest string `json:"digest,omitempty"`

	// Resources are applied strictly in this order.
	Resources []Resource `json:"resources"`

	// Handlers maps handler names to deferred actions.
	Handlers map[string]Handler `json:"handlers,omitempty"`
}

// Resource is one declarative desired-state assertion about a host object.
type Resource struct {
	// ID is unique within a document.
	ID string `json:"id"`

	// Kind selects the probe and mutation behaviour.
	Kind Kind `json:"kind"`

	// Spec holds the kind-specific parameters and desired value.
	Spec Spec `json:"spec"`

	// Notify lists handler names to trigger when this resource changes.
	Notify []string `json:"notify,omitempty"`

	// Fatal halts the run immediately if this resource fails.
	Fatal bool `json:"fatal,omitempty"`

	// Tags are used to select a subset of resources for a run.
	Tags []string `json:"tags,omitempty"`

	// Timeout overrides the caller-supplied operation timeout when non-zero.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Handler is a named deferred action fired at most once per run.
type Handler struct {
	Name   string        `json:"name"`
	Action HandlerAction `json:"action"`
}

// HandlerAction is either a service action or a command.
type HandlerAction struct {
	// Service is the service to act on.
	Service string `json:"service,omitempty"`

	// Verb is the service action (restart, reload, start, stop).
	Verb ServiceAction `json:"verb,omitempty"`

	// Command is run through the host shell when Service is empty.
	Command string `json:"command,omitempty"`
}

// Status is the per-resource outcome.
type Status string

const (
	StatusUnchanged Status = "unchanged"
	StatusChanged   Status = "changed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// ExecutionResult is the outcome of reconciling one resource.
// Results are values and are never modified once appended to a report.
type ExecutionResult struct {
	ResourceID string       `json:"resource_id"`
	Kind       Kind         `json:"kind"`
	Status     Status       `json:"status"`
	Message    string       `json:"message,omitempty"`
	Error      *EngineError `json:"error,omitempty"`

	// Before and After are kind-specific state snapshots.
	Before CurrentState `json:"before,omitempty"`
	After  CurrentState `json:"after,omitempty"`

	// Fatal mirrors the resource flag so a report can explain a halt.
	Fatal bool `json:"fatal,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// HandlerResult is the outcome of a deferred handler.
type HandlerResult struct {
	Name       string        `json:"name"`
	Status     Status        `json:"status"`
	NotifiedBy []string      `json:"notified_by"`
	Message    string        `json:"message,omitempty"`
	Error      *EngineError  `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// RunReport is the terminal artifact of a run against one host.
type RunReport struct {
	RunID  string `json:"run_id"`
	Host   string `json:"host"`
	Policy string `json:"policy,omitempty"`
	DryRun bool   `json:"dry_run,omitempty"`

	// Results preserve document order.
	Results []ExecutionResult `json:"results"`

	// HandlersFired lists the handlers that executed, in firing order.
	HandlersFired []string `json:"handlers_fired"`

	// Handlers records every notified handler, including ones that did not run.
	Handlers []HandlerResult `json:"handlers,omitempty"`

	// Halted is set when a fatal resource stopped the run.
	Halted   bool   `json:"halted,omitempty"`
	HaltedBy string `json:"halted_by,omitempty"`

	// Cancelled is set when the caller cancelled the run between resources.
	Cancelled bool `json:"cancelled,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// Summary counts results by status.
type Summary struct {
	Unchanged      int `json:"unchanged"`
	Changed        int `json:"changed"`
	Failed         int `json:"failed"`
	Skipped        int `json:"skipped"`
	HandlersFired  int `json:"handlers_fired"`
	HandlersFailed int `json:"handlers_failed"`
}
