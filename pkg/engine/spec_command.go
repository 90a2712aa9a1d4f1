package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// CommandSpec asserts a precondition by running a read-only command.
// It never mutates the host.
type CommandSpec struct {
	Params  CommandParams  `json:"params"`
	Desired CommandDesired `json:"desired"`
}

// CommandParams holds the command: a shell string or an argv vector.
type CommandParams struct {
	Command string   `json:"command,omitempty"`
	Argv    []string `json:"argv,omitempty"`
}

// CommandDesired describes a passing outcome. Without ExitCode the command
// must succeed unless Succeeds is explicitly false.
type CommandDesired struct {
	Succeeds      *bool  `json:"succeeds,omitempty"`
	ExitCode      *int   `json:"exitCode,omitempty"`
	StdoutMatches string `json:"stdoutMatches,omitempty"`
}

// CommandObserved is the outcome of the assertion command.
type CommandObserved struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
}

func (CommandObserved) observed() {}

func (o CommandObserved) String() string {
	return fmt.Sprintf("exit=%d", o.ExitCode)
}

// Kind implements Spec.
func (s *CommandSpec) Kind() Kind { return KindCommandAssertion }

// Validate implements Spec.
func (s *CommandSpec) Validate() error {
	hasScript := strings.TrimSpace(s.Params.Command) != ""
	hasArgv := len(s.Params.Argv) > 0
	switch {
	case hasScript && hasArgv:
		return NewSchemaError("CommandAssertion: params.command and params.argv are mutually exclusive", nil)
	case !hasScript && !hasArgv:
		return NewSchemaError("CommandAssertion: params.command or params.argv is required", nil)
	case hasArgv && s.Params.Argv[0] == "":
		return NewSchemaError("CommandAssertion: params.argv[0] must not be empty", nil)
	}
	if s.Desired.Succeeds != nil && s.Desired.ExitCode != nil {
		return NewSchemaError("CommandAssertion: desired.succeeds and desired.exitCode are mutually exclusive", nil)
	}
	if s.Desired.ExitCode != nil && (*s.Desired.ExitCode < 0 || *s.Desired.ExitCode > 255) {
		return NewSchemaError(fmt.Sprintf("CommandAssertion: exitCode %d out of range", *s.Desired.ExitCode), nil)
	}
	if s.Desired.StdoutMatches != "" {
		if _, err := regexp.Compile(s.Desired.StdoutMatches); err != nil {
			return NewSchemaError("CommandAssertion: invalid stdoutMatches", err)
		}
	}
	return nil
}

func (s *CommandSpec) command() Command {
	return Command{Script: s.Params.Command, Argv: s.Params.Argv}
}

func (s *CommandSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	res, err := h.RunCommand(ctx, s.command())
	if err != nil {
		return nil, err
	}
	return CommandObserved{ExitCode: res.ExitCode, Stdout: res.Stdout}, nil
}

func (s *CommandSpec) converged(current CurrentState) bool {
	return s.violation(current) == ""
}

// violation describes why current fails the assertion, or returns "".
func (s *CommandSpec) violation(current CurrentState) string {
	o, ok := current.(CommandObserved)
	if !ok {
		return "no command outcome"
	}
	switch {
	case s.Desired.ExitCode != nil:
		if o.ExitCode != *s.Desired.ExitCode {
			return fmt.Sprintf("%q exited %d, want %d", s.command().String(), o.ExitCode, *s.Desired.ExitCode)
		}
	case s.Desired.Succeeds != nil && !*s.Desired.Succeeds:
		if o.ExitCode == 0 {
			return fmt.Sprintf("%q succeeded, want failure", s.command().String())
		}
	default:
		if o.ExitCode != 0 {
			return fmt.Sprintf("%q exited %d, want success", s.command().String(), o.ExitCode)
		}
	}
	if s.Desired.StdoutMatches != "" {
		re := regexp.MustCompile(s.Desired.StdoutMatches)
		if !re.MatchString(o.Stdout) {
			return fmt.Sprintf("%q output does not match %s", s.command().String(), s.Desired.StdoutMatches)
		}
	}
	return ""
}

func (s *CommandSpec) apply(_ context.Context, _ Host, current CurrentState) error {
	return NewAssertionFailure(s.violation(current), nil)
}
