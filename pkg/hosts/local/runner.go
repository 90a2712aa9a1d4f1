package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/openfroyo/harden/pkg/engine"
)

// Runner executes a process. A non-zero exit is reported in the result;
// only failing to start the process is an error.
type Runner interface {
	Run(ctx context.Context, argv []string, env []string) (engine.CommandResult, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// Run executes argv with env appended to the inherited environment.
func (ExecRunner) Run(ctx context.Context, argv []string, env []string) (engine.CommandResult, error) {
	if len(argv) == 0 {
		return engine.CommandResult{}, errors.New("empty command")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return result, fmt.Errorf("%s: %w", argv[0], errors.Join(err, errors.ErrUnsupported))
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("failed to execute %s: %w", argv[0], ctxErr)
		}
		return result, fmt.Errorf("failed to execute %s: %w", argv[0], err)
	}
	return result, nil
}
