package stores

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/openfroyo/harden/pkg/engine"
)

// ErrNotFound is returned when a run ID is not in the history.
var ErrNotFound = errors.New("run not found")

// Run is the stored summary of one host run.
type Run struct {
	ID          string         `json:"id"`
	Host        string         `json:"host"`
	Policy      string         `json:"policy,omitempty"`
	Source      string         `json:"source,omitempty"`
	Digest      string         `json:"digest,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	HaltedBy    string         `json:"halted_by,omitempty"`
	Cancelled   bool           `json:"cancelled,omitempty"`
	ExitCode    int            `json:"exit_code"`
	Summary     engine.Summary `json:"summary"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Duration    time.Duration  `json:"duration"`
}

// Record is a stored resource or handler outcome. Before and After keep the
// state snapshots as the JSON they were reported in.
type Record struct {
	Seq        int               `json:"seq"`
	Type       string            `json:"type"`
	ID         string            `json:"id"`
	Kind       engine.Kind       `json:"kind,omitempty"`
	Status     engine.Status     `json:"status"`
	Message    string            `json:"message,omitempty"`
	ErrorClass engine.ErrorClass `json:"error_class,omitempty"`
	Error      string            `json:"error,omitempty"`
	Before     json.RawMessage   `json:"before,omitempty"`
	After      json.RawMessage   `json:"after,omitempty"`
	NotifiedBy []string          `json:"notified_by,omitempty"`
	DurationMS int64             `json:"duration_ms"`
}

// RunDetail is a run together with its records in report order.
type RunDetail struct {
	Run     Run      `json:"run"`
	Records []Record `json:"records"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	// Host restricts the listing to one host name.
	Host string

	// Limit caps the number of runs; zero means 20.
	Limit int

	Offset int
}
