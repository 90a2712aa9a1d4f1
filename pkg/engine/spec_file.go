package engine

import (
	"context"
	"fmt"
)

// FileSpec asserts ownership and permission bits of an existing file.
type FileSpec struct {
	Params  FileParams  `json:"params"`
	Desired FileDesired `json:"desired"`
}

// FileParams identifies the file.
type FileParams struct {
	Path string `json:"path"`
}

// FileDesired holds the wanted attributes. Empty fields are left alone.
type FileDesired struct {
	Owner string `json:"owner,omitempty"`
	Group string `json:"group,omitempty"`
	Mode  string `json:"mode,omitempty"`
}

// FileObserved is the probed state of a file.
type FileObserved struct {
	Exists bool   `json:"exists"`
	Owner  string `json:"owner,omitempty"`
	Group  string `json:"group,omitempty"`
	Mode   string `json:"mode,omitempty"`
}

func (FileObserved) observed() {}

func (o FileObserved) String() string {
	if !o.Exists {
		return "absent"
	}
	return fmt.Sprintf("owner=%s group=%s mode=%s", o.Owner, o.Group, o.Mode)
}

// Kind implements Spec.
func (s *FileSpec) Kind() Kind { return KindFileAttributes }

// Validate implements Spec.
func (s *FileSpec) Validate() error {
	if err := requireAbsPath(KindFileAttributes, "params.path", s.Params.Path); err != nil {
		return err
	}
	d := s.Desired
	if d.Owner == "" && d.Group == "" && d.Mode == "" {
		return NewSchemaError("FileAttributes: desired needs at least one of owner, group, mode", nil)
	}
	if d.Mode != "" {
		if _, err := ParseMode(d.Mode); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	info, err := h.Stat(ctx, s.Params.Path)
	if err != nil {
		if isNotExist(err) {
			return FileObserved{}, nil
		}
		return nil, err
	}
	return FileObserved{
		Exists: true,
		Owner:  info.Owner,
		Group:  info.Group,
		Mode:   FormatMode(info.Mode),
	}, nil
}

func (s *FileSpec) converged(current CurrentState) bool {
	o, ok := current.(FileObserved)
	if !ok || !o.Exists {
		return false
	}
	d := s.Desired
	if d.Owner != "" && d.Owner != o.Owner {
		return false
	}
	if d.Group != "" && d.Group != o.Group {
		return false
	}
	if d.Mode != "" {
		want, _ := ParseMode(d.Mode)
		have, err := ParseMode(o.Mode)
		if err != nil || want != have {
			return false
		}
	}
	return true
}

func (s *FileSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(FileObserved)
	if !o.Exists {
		return NewMutationError("file "+s.Params.Path+" does not exist", nil)
	}

	mode, err := ParseMode(o.Mode)
	if err != nil {
		return err
	}
	if s.Desired.Mode != "" {
		mode, _ = ParseMode(s.Desired.Mode)
	}

	owner, group := "", ""
	if s.Desired.Owner != o.Owner {
		owner = s.Desired.Owner
	}
	if s.Desired.Group != o.Group {
		group = s.Desired.Group
	}
	return h.SetOwnerMode(ctx, s.Params.Path, owner, group, mode)
}
