package engine

import (
	"context"
	"fmt"
	"regexp"
)

const defaultCreateMode = 0o644

// LineSpec asserts the presence or absence of a line in a text file.
type LineSpec struct {
	Params  LineParams  `json:"params"`
	Desired LineDesired `json:"desired"`
}

// LineParams identifies the file and the lines the edit targets.
type LineParams struct {
	Path   string `json:"path"`
	Regexp string `json:"regexp,omitempty"`
	Create bool   `json:"create,omitempty"`
}

// LineDesired holds the wanted line and whether it must be present.
type LineDesired struct {
	Line  string `json:"line,omitempty"`
	State string `json:"state,omitempty"`
}

// LineObserved is the probed state of the file.
type LineObserved struct {
	Exists  bool   `json:"exists"`
	Matches int    `json:"matches"`
	Mode    string `json:"mode,omitempty"`
	Content string `json:"-"`
}

func (LineObserved) observed() {}

func (o LineObserved) String() string {
	if !o.Exists {
		return "absent"
	}
	return fmt.Sprintf("matches=%d", o.Matches)
}

// Kind implements Spec.
func (s *LineSpec) Kind() Kind { return KindLineInFile }

// Validate implements Spec.
func (s *LineSpec) Validate() error {
	if err := requireAbsPath(KindLineInFile, "params.path", s.Params.Path); err != nil {
		return err
	}
	switch s.Desired.State {
	case "", "present":
		if s.Desired.Line == "" {
			return NewSchemaError("LineInFile: desired.line is required when state is present", nil)
		}
	case "absent":
		if s.Desired.Line == "" && s.Params.Regexp == "" {
			return NewSchemaError("LineInFile: absent needs params.regexp or desired.line", nil)
		}
	default:
		return NewSchemaError(fmt.Sprintf("LineInFile: invalid state %q (want present or absent)", s.Desired.State), nil)
	}
	if s.Params.Regexp != "" {
		if _, err := regexp.Compile(s.Params.Regexp); err != nil {
			return NewSchemaError("LineInFile: invalid regexp", err)
		}
	}
	return nil
}

func (s *LineSpec) present() bool {
	return s.Desired.State != "absent"
}

func (s *LineSpec) edit() LineEdit {
	e := LineEdit{Line: s.Desired.Line, Present: s.present()}
	if s.Params.Regexp != "" {
		e.Match = regexp.MustCompile(s.Params.Regexp)
	}
	return e
}

func (s *LineSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	content, exists, err := readOptional(ctx, h, s.Params.Path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return LineObserved{}, nil
	}
	o := LineObserved{Exists: true, Content: content, Matches: s.edit().Count(content)}
	if info, err := h.Stat(ctx, s.Params.Path); err == nil {
		o.Mode = FormatMode(info.Mode)
	}
	return o, nil
}

func (s *LineSpec) converged(current CurrentState) bool {
	o, ok := current.(LineObserved)
	if !ok {
		return false
	}
	if !o.Exists {
		return !s.present()
	}
	_, changed := s.edit().Apply(o.Content)
	return !changed
}

func (s *LineSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(LineObserved)
	if !o.Exists && !s.Params.Create {
		return NewMutationError("file "+s.Params.Path+" does not exist and create is not set", nil)
	}

	content, changed := s.edit().Apply(o.Content)
	if !changed {
		return nil
	}

	mode := uint32(defaultCreateMode)
	if o.Mode != "" {
		if m, err := ParseMode(o.Mode); err == nil {
			mode = m
		}
	}
	return h.WriteFile(ctx, s.Params.Path, []byte(content), mode)
}
