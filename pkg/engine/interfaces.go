package engine

import (
	"context"
	"strings"
	"time"
)

// Host is the capability set the engine uses to inspect and mutate a target.
// The engine never talks to the operating system directly; a deployment backs
// this interface with local OS calls or a remote execution transport.
//
// Implementations report absent objects with errors wrapping fs.ErrNotExist and
// capabilities they cannot provide with errors wrapping errors.ErrUnsupported.
type Host interface {
	// Name identifies the host in reports and logs.
	Name() string

	// ReadFile returns the content of a file.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile replaces the content of a file, creating it with mode if absent.
	WriteFile(ctx context.Context, path string, data []byte, mode uint32) error

	// Stat returns ownership and permission bits of a file.
	Stat(ctx context.Context, path string) (FileInfo, error)

	// SetOwnerMode sets owner, group and permission bits of a file.
	SetOwnerMode(ctx context.Context, path, owner, group string, mode uint32) error

	// ServiceStatus returns the runtime and boot state of a service.
	ServiceStatus(ctx context.Context, name string) (ServiceStatus, error)

	// ServiceSetState applies a single service action.
	ServiceSetState(ctx context.Context, name string, action ServiceAction) error

	// RunCommand executes a command and reports its exit code.
	// A non-zero exit is not an error; failing to start the command is.
	RunCommand(ctx context.Context, cmd Command) (CommandResult, error)

	// SetSysctl sets a kernel parameter at runtime.
	SetSysctl(ctx context.Context, key, value string) error

	// Remount remounts a mount point with additional options.
	Remount(ctx context.Context, mountPoint string, options []string) error
}

// FileInfo describes ownership and permissions of a host file.
type FileInfo struct {
	Owner string `json:"owner"`
	Group string `json:"group"`

	// Mode holds the permission bits in unix notation (e.g. 04755).
	Mode uint32 `json:"mode"`

	IsDir bool `json:"is_dir,omitempty"`
}

// ServiceStatus describes a service on the host.
type ServiceStatus struct {
	Exists  bool `json:"exists"`
	Running bool `json:"running"`
	Enabled bool `json:"enabled"`
}

// ServiceAction is a single operation on a service.
type ServiceAction string

const (
	ServiceStart   ServiceAction = "start"
	ServiceStop    ServiceAction = "stop"
	ServiceRestart ServiceAction = "restart"
	ServiceReload  ServiceAction = "reload"
	ServiceEnable  ServiceAction = "enable"
	ServiceDisable ServiceAction = "disable"
)

// Validate checks if the service action is valid.
func (a ServiceAction) Validate() error {
	switch a {
	case ServiceStart, ServiceStop, ServiceRestart, ServiceReload, ServiceEnable, ServiceDisable:
		return nil
	default:
		return NewSchemaError("invalid service action "+string(a), nil)
	}
}

// Command describes a command to execute on the host.
// Script is run through /bin/sh -c; Argv is executed directly. Exactly one is set.
type Command struct {
	Script string            `json:"script,omitempty"`
	Argv   []string          `json:"argv,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
}

// String renders the command for logs and messages.
func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	return strings.Join(c.Argv, " ")
}

// CommandResult is the outcome of a command execution.
type CommandResult struct {
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Recorder observes run progress. Implemented by telemetry.Metrics.
type Recorder interface {
	RecordResult(host string, result ExecutionResult)
	RecordHandler(host string, result HandlerResult)
	RecordRun(report *RunReport)
}

type nopRecorder struct{}

func (nopRecorder) RecordResult(string, ExecutionResult) {}
func (nopRecorder) RecordHandler(string, HandlerResult)  {}
func (nopRecorder) RecordRun(*RunReport)                 {}
