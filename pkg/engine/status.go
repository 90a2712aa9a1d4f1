package engine

import (
	"fmt"
)

// Exit codes reported by the CLI. Higher is worse.
const (
	ExitOK       = 0
	ExitFailures = 1
	ExitFatal    = 2
)

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusUnchanged, StatusChanged, StatusFailed, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// IsFailure returns true for the failed status.
func (s Status) IsFailure() bool {
	return s == StatusFailed
}

// Summary counts results and handler outcomes by status.
func (r *RunReport) Summary() Summary {
	var sum Summary
	for _, res := range r.Results {
		switch res.Status {
		case StatusUnchanged:
			sum.Unchanged++
		case StatusChanged:
			sum.Changed++
		case StatusFailed:
			sum.Failed++
		case StatusSkipped:
			sum.Skipped++
		}
	}
	sum.HandlersFired = len(r.HandlersFired)
	for _, h := range r.Handlers {
		if h.Status == StatusFailed {
			sum.HandlersFailed++
		}
	}
	return sum
}

// ExitCode maps the worst outcome of the run to a process exit code. A
// cancelled run never converged, so it counts as a failure.
func (r *RunReport) ExitCode() int {
	if r.Halted {
		return ExitFatal
	}
	if r.Cancelled {
		return ExitFailures
	}
	sum := r.Summary()
	if sum.Failed > 0 || sum.HandlersFailed > 0 {
		return ExitFailures
	}
	return ExitOK
}

// WorstExitCode returns the highest exit code across reports.
func WorstExitCode(reports []*RunReport) int {
	code := ExitOK
	for _, r := range reports {
		if r == nil {
			continue
		}
		if c := r.ExitCode(); c > code {
			code = c
		}
	}
	return code
}
