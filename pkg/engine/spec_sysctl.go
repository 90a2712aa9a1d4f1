package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var sysctlKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-/]*$`)

// SysctlSpec asserts a kernel parameter value, optionally persisted to a
// sysctl.d file.
type SysctlSpec struct {
	Params  SysctlParams  `json:"params"`
	Desired SysctlDesired `json:"desired"`
}

// SysctlParams identifies the parameter and its persistence file.
type SysctlParams struct {
	Key  string `json:"key"`
	File string `json:"file,omitempty"`
}

// SysctlDesired holds the wanted value.
type SysctlDesired struct {
	Value string `json:"value"`
}

// SysctlObserved is the probed state of a kernel parameter.
type SysctlObserved struct {
	Runtime   bool   `json:"runtime"`
	Value     string `json:"value,omitempty"`
	Persisted bool   `json:"persisted"`
	file      string
}

func (SysctlObserved) observed() {}

func (o SysctlObserved) String() string {
	value := o.Value
	if !o.Runtime {
		value = "unknown"
	}
	return fmt.Sprintf("value=%s persisted=%t", value, o.Persisted)
}

// Kind implements Spec.
func (s *SysctlSpec) Kind() Kind { return KindSysctlValue }

// Validate implements Spec.
func (s *SysctlSpec) Validate() error {
	if err := requireField(KindSysctlValue, "params.key", s.Params.Key); err != nil {
		return err
	}
	if !sysctlKeyPattern.MatchString(s.Params.Key) || strings.Contains(s.Params.Key, "..") {
		return NewSchemaError(fmt.Sprintf("SysctlValue: invalid key %q", s.Params.Key), nil)
	}
	if s.Params.File != "" {
		if err := requireAbsPath(KindSysctlValue, "params.file", s.Params.File); err != nil {
			return err
		}
	}
	return requireField(KindSysctlValue, "desired.value", s.Desired.Value)
}

// procPath maps a dotted key to its /proc/sys file.
func (s *SysctlSpec) procPath() string {
	return "/proc/sys/" + strings.ReplaceAll(s.Params.Key, ".", "/")
}

func (s *SysctlSpec) want() string {
	return normalizeSysctl(s.Desired.Value)
}

func (s *SysctlSpec) persistEdit() LineEdit {
	return LineEdit{
		Match:   regexp.MustCompile(`^\s*` + regexp.QuoteMeta(s.Params.Key) + `\s*=`),
		Line:    s.Params.Key + " = " + s.want(),
		Present: true,
	}
}

func (s *SysctlSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	var o SysctlObserved

	data, err := h.ReadFile(ctx, s.procPath())
	switch {
	case err == nil:
		o.Runtime = true
		o.Value = normalizeSysctl(string(data))
	case isUnsupported(err) && s.Params.File != "":
	default:
		return nil, err
	}

	if s.Params.File != "" {
		content, _, err := readOptional(ctx, h, s.Params.File)
		if err != nil {
			return nil, err
		}
		o.file = content
		o.Persisted = persistedValue(content, s.Params.Key) == s.want()
	}
	return o, nil
}

func (s *SysctlSpec) converged(current CurrentState) bool {
	o, ok := current.(SysctlObserved)
	if !ok {
		return false
	}
	if o.Runtime && o.Value != s.want() {
		return false
	}
	if s.Params.File != "" && !o.Persisted {
		return false
	}
	return true
}

func (s *SysctlSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(SysctlObserved)

	if o.Runtime && o.Value != s.want() {
		if err := h.SetSysctl(ctx, s.Params.Key, s.want()); err != nil {
			return fmt.Errorf("set %s: %w", s.Params.Key, err)
		}
	}

	if s.Params.File != "" && !o.Persisted {
		content, changed := s.persistEdit().Apply(o.file)
		if changed {
			if err := h.WriteFile(ctx, s.Params.File, []byte(content), defaultCreateMode); err != nil {
				return fmt.Errorf("persist %s: %w", s.Params.Key, err)
			}
		}
	}
	return nil
}

// persistedValue returns the last value assigned to key in a sysctl.conf file.
func persistedValue(content, key string) string {
	value := ""
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line[0] == '#' || line[0] == ';' {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok || strings.TrimSpace(k) != key {
			continue
		}
		value = normalizeSysctl(v)
	}
	return value
}

// normalizeSysctl collapses runs of whitespace, so "4096\t87380" equals "4096 87380".
func normalizeSysctl(v string) string {
	return strings.Join(strings.Fields(v), " ")
}
