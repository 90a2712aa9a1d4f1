package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DocumentFile is the on-disk shape of a policy document, shared by the YAML,
// JSON and CUE front ends.
type DocumentFile struct {
	// Version is the document schema version.
	Version string `yaml:"version,omitempty" json:"version,omitempty" validate:"omitempty,oneof=1 v1"`

	// Name is an optional human-readable name.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Vars are document-level template variables.
	Vars map[string]any `yaml:"vars,omitempty" json:"vars,omitempty"`

	// Resources are applied in declaration order.
	Resources []ResourceDecl `yaml:"resources" json:"resources" validate:"dive"`

	// Handlers are deferred actions referenced from notify lists.
	Handlers []HandlerDecl `yaml:"handlers,omitempty" json:"handlers,omitempty" validate:"dive"`
}

// ResourceDecl is one resource as written by the author, before loop
// expansion and kind-specific decoding.
type ResourceDecl struct {
	// ID is unique within the expanded document.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Kind selects the params/desired schema.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=PackageState ServiceState FileAttributes LineInFile MountOption SysctlValue CommandAssertion"`

	// Params identify the host object.
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Desired is the target state of the object.
	Desired map[string]any `yaml:"desired,omitempty" json:"desired,omitempty"`

	Notify []string `yaml:"notify,omitempty" json:"notify,omitempty" validate:"dive,required"`
	Fatal  bool     `yaml:"fatal,omitempty" json:"fatal,omitempty"`
	Tags   []string `yaml:"tags,omitempty" json:"tags,omitempty" validate:"dive,required"`

	// Timeout overrides the run timeout for this resource.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// Loop expands the declaration once per item.
	Loop []any `yaml:"loop,omitempty" json:"loop,omitempty"`
}

// HandlerDecl is a named deferred action.
type HandlerDecl struct {
	Name   string     `yaml:"name" json:"name" validate:"required"`
	Action ActionDecl `yaml:"action" json:"action"`
}

// ActionDecl is either a service action or a shell command.
type ActionDecl struct {
	Service string `yaml:"service,omitempty" json:"service,omitempty" validate:"excluded_with=Command"`
	Verb    string `yaml:"verb,omitempty" json:"verb,omitempty" validate:"omitempty,oneof=restart reload start stop"`
	Command string `yaml:"command,omitempty" json:"command,omitempty" validate:"required_without=Service"`
}

// Duration accepts either a Go duration string ("30s") or a number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return d.parse(s)
	}
	return d.parse(string(data))
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// ParseDuration parses a timeout given as seconds ("30", "1.5") or as a Go
// duration ("2m").
func ParseDuration(s string) (time.Duration, error) {
	var d Duration
	err := d.parse(s)
	return time.Duration(d), err
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		*d = 0
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if secs < 0 {
			return fmt.Errorf("timeout must not be negative: %s", s)
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid timeout %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("timeout must not be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// ValidationError is one problem found while loading a document, with source
// position when the front end can provide it.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path locates the offending value (e.g. "resources[2].kind").
	Path string `json:"path,omitempty"`

	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in one document.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}
