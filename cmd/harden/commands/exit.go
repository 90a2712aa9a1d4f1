package commands

import (
	"errors"
	"fmt"

	"github.com/openfroyo/harden/pkg/engine"
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error

	// quiet means the outcome was already reported on stdout.
	quiet bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// withCode returns an error that exits with code once reported.
func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// outcome returns a quiet error for a non-zero run outcome, or nil.
func outcome(code int) error {
	if code == engine.ExitOK {
		return nil
	}
	return &exitError{code: code, quiet: true}
}

// ExitCode maps a command error to the process exit code. Schema errors and
// setup failures exit 2 since nothing was applied.
func ExitCode(err error) int {
	if err == nil {
		return engine.ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return engine.ExitFatal
}

// IsQuiet reports whether err needs no further logging.
func IsQuiet(err error) bool {
	var ee *exitError
	return errors.As(err, &ee) && ee.quiet
}
