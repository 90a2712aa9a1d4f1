package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	mountTablePath   = "/proc/self/mounts"
	defaultFstabPath = "/etc/fstab"
)

// MountSpec asserts that a mount point carries a set of options.
type MountSpec struct {
	Params  MountParams  `json:"params"`
	Desired MountDesired `json:"desired"`
}

// MountParams identifies the mount point and whether fstab is managed.
type MountParams struct {
	Path    string `json:"path"`
	Persist bool   `json:"persist,omitempty"`
	Fstab   string `json:"fstab,omitempty"`
}

// MountDesired lists options that must be active.
type MountDesired struct {
	Options []string `json:"options"`
}

// MountObserved is the probed state of a mount point.
//
// Runtime is false when the host has no live mount table (an offline image);
// only the fstab entry is considered then.
type MountObserved struct {
	Runtime      bool     `json:"runtime"`
	Mounted      bool     `json:"mounted"`
	Options      []string `json:"options,omitempty"`
	InFstab      bool     `json:"in_fstab"`
	FstabOptions []string `json:"fstab_options,omitempty"`
	fstab        string
}

func (MountObserved) observed() {}

func (o MountObserved) String() string {
	var b strings.Builder
	switch {
	case !o.Runtime:
		b.WriteString("runtime=unknown")
	case o.Mounted:
		b.WriteString("options=" + strings.Join(o.Options, ","))
	default:
		b.WriteString("not mounted")
	}
	if o.InFstab {
		b.WriteString(" fstab=" + strings.Join(o.FstabOptions, ","))
	}
	return b.String()
}

// Kind implements Spec.
func (s *MountSpec) Kind() Kind { return KindMountOption }

// Validate implements Spec.
func (s *MountSpec) Validate() error {
	if err := requireAbsPath(KindMountOption, "params.path", s.Params.Path); err != nil {
		return err
	}
	if s.Params.Fstab != "" {
		if err := requireAbsPath(KindMountOption, "params.fstab", s.Params.Fstab); err != nil {
			return err
		}
	}
	if len(s.Desired.Options) == 0 {
		return NewSchemaError("MountOption: desired.options must not be empty", nil)
	}
	for _, opt := range s.Desired.Options {
		if opt == "" || strings.ContainsAny(opt, ", \t") {
			return NewSchemaError(fmt.Sprintf("MountOption: invalid option %q", opt), nil)
		}
	}
	return nil
}

func (s *MountSpec) fstabPath() string {
	if s.Params.Fstab != "" {
		return s.Params.Fstab
	}
	return defaultFstabPath
}

func (s *MountSpec) probe(ctx context.Context, h Host) (CurrentState, error) {
	var o MountObserved

	table, err := h.ReadFile(ctx, mountTablePath)
	switch {
	case err == nil:
		o.Runtime = true
		if entry, ok := findMountEntry(string(table), s.Params.Path); ok {
			o.Mounted = true
			o.Options = entry.options
		}
	case isNotExist(err) || isUnsupported(err):
		if !s.Params.Persist {
			return nil, fmt.Errorf("mount table unavailable and persist is not set: %w", err)
		}
	default:
		return nil, err
	}

	if s.Params.Persist {
		content, _, err := readOptional(ctx, h, s.fstabPath())
		if err != nil {
			return nil, err
		}
		o.fstab = content
		if entry, ok := findMountEntry(content, s.Params.Path); ok {
			o.InFstab = true
			o.FstabOptions = entry.options
		}
	}
	return o, nil
}

func (s *MountSpec) converged(current CurrentState) bool {
	o, ok := current.(MountObserved)
	if !ok {
		return false
	}
	if o.Runtime && (!o.Mounted || len(missingOptions(o.Options, s.Desired.Options)) > 0) {
		return false
	}
	if s.Params.Persist && (!o.InFstab || len(missingOptions(o.FstabOptions, s.Desired.Options)) > 0) {
		return false
	}
	return true
}

func (s *MountSpec) apply(ctx context.Context, h Host, current CurrentState) error {
	o, _ := current.(MountObserved)

	if s.Params.Persist {
		if !o.InFstab {
			return NewMutationError("no fstab entry for "+s.Params.Path, nil)
		}
		if missing := missingOptions(o.FstabOptions, s.Desired.Options); len(missing) > 0 {
			updated := rewriteFstab(o.fstab, s.Params.Path, missing)
			if err := h.WriteFile(ctx, s.fstabPath(), []byte(updated), defaultCreateMode); err != nil {
				return fmt.Errorf("update %s: %w", s.fstabPath(), err)
			}
		}
	}

	if o.Runtime {
		if !o.Mounted {
			return NewMutationError(s.Params.Path+" is not mounted", nil)
		}
		if missing := missingOptions(o.Options, s.Desired.Options); len(missing) > 0 {
			if err := h.Remount(ctx, s.Params.Path, s.Desired.Options); err != nil {
				return fmt.Errorf("remount %s: %w", s.Params.Path, err)
			}
		}
	}
	return nil
}

type mountEntry struct {
	fields  []string
	options []string
}

// findMountEntry returns the last entry for mountPoint in an fstab or
// /proc/self/mounts formatted table. Later entries shadow earlier ones.
func findMountEntry(table, mountPoint string) (mountEntry, bool) {
	var found mountEntry
	ok := false
	for _, line := range strings.Split(table, "\n") {
		fields, valid := parseMountLine(line)
		if !valid || unescapeMountField(fields[1]) != mountPoint {
			continue
		}
		found = mountEntry{fields: fields, options: strings.Split(fields[3], ",")}
		ok = true
	}
	return found, ok
}

func parseMountLine(line string) ([]string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 4 {
		return nil, false
	}
	return fields, true
}

// unescapeMountField decodes the octal escapes (\040 for space) used in mount tables.
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func missingOptions(have, want []string) []string {
	set := make(map[string]struct{}, len(have))
	for _, opt := range have {
		set[opt] = struct{}{}
	}
	var missing []string
	for _, opt := range want {
		if _, ok := set[opt]; !ok {
			missing = append(missing, opt)
		}
	}
	return missing
}

// rewriteFstab appends options to the last entry for mountPoint, leaving every
// other line byte-for-byte intact.
func rewriteFstab(content, mountPoint string, add []string) string {
	lines := strings.Split(content, "\n")
	target := -1
	for i, line := range lines {
		fields, ok := parseMountLine(line)
		if ok && unescapeMountField(fields[1]) == mountPoint {
			target = i
		}
	}
	if target < 0 {
		return content
	}

	fields, _ := parseMountLine(lines[target])
	fields[3] = fields[3] + "," + strings.Join(add, ",")
	lines[target] = strings.Join(fields, "\t")
	return strings.Join(lines, "\n")
}
