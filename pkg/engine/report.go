package engine

import (
	"encoding/json"
	"fmt"
	"io"
)

// Record types in the JSON Lines report.
const (
	RecordResource = "resource"
	RecordHandler  = "handler"
)

// Record is one line of the machine-readable run report: one per resource
// outcome and one per notified handler.
type Record struct {
	Type       string       `json:"type"`
	RunID      string       `json:"run_id"`
	Host       string       `json:"host"`
	ID         string       `json:"id"`
	Kind       Kind         `json:"kind,omitempty"`
	Status     Status       `json:"status"`
	Message    string       `json:"message,omitempty"`
	ErrorClass ErrorClass   `json:"error_class,omitempty"`
	Error      string       `json:"error,omitempty"`
	Before     CurrentState `json:"before,omitempty"`
	After      CurrentState `json:"after,omitempty"`
	NotifiedBy []string     `json:"notified_by,omitempty"`
	DurationMS int64        `json:"duration_ms"`
}

// Records flattens a report into resource records followed by handler records.
func (r *RunReport) Records() []Record {
	out := make([]Record, 0, len(r.Results)+len(r.Handlers))
	for _, res := range r.Results {
		rec := Record{
			Type:       RecordResource,
			RunID:      r.RunID,
			Host:       r.Host,
			ID:         res.ResourceID,
			Kind:       res.Kind,
			Status:     res.Status,
			Message:    res.Message,
			Before:     res.Before,
			After:      res.After,
			DurationMS: res.Duration.Milliseconds(),
		}
		if res.Error != nil {
			rec.ErrorClass = res.Error.Class
			rec.Error = res.Error.Error()
		}
		out = append(out, rec)
	}
	for _, h := range r.Handlers {
		rec := Record{
			Type:       RecordHandler,
			RunID:      r.RunID,
			Host:       r.Host,
			ID:         h.Name,
			Status:     h.Status,
			Message:    h.Message,
			NotifiedBy: h.NotifiedBy,
			DurationMS: h.Duration.Milliseconds(),
		}
		if h.Error != nil {
			rec.ErrorClass = h.Error.Class
			rec.Error = h.Error.Error()
		}
		out = append(out, rec)
	}
	return out
}

// WriteJSONL writes every record of the reports as JSON Lines.
func WriteJSONL(w io.Writer, reports ...*RunReport) error {
	enc := json.NewEncoder(w)
	for _, r := range reports {
		if r == nil {
			continue
		}
		for _, rec := range r.Records() {
			if err := enc.Encode(rec); err != nil {
				return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
			}
		}
	}
	return nil
}

// SummaryLine renders the human-readable per-host summary.
func (r *RunReport) SummaryLine() string {
	s := r.Summary()
	line := fmt.Sprintf("host=%s unchanged=%d changed=%d failed=%d skipped=%d",
		r.Host, s.Unchanged, s.Changed, s.Failed, s.Skipped)
	if len(r.HandlersFired) > 0 || s.HandlersFailed > 0 {
		line += fmt.Sprintf(" handlers=%d handlers_failed=%d", s.HandlersFired, s.HandlersFailed)
	}
	if r.Halted {
		line += " halted_by=" + r.HaltedBy
	}
	if r.Cancelled {
		line += " cancelled=true"
	}
	return line
}
