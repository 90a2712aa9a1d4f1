package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
)

// Spec is the kind-specific part of a resource: target parameters plus the
// desired value. The unexported methods keep the set of kinds closed to this
// package.
type Spec interface {
	// Kind returns the resource kind this spec belongs to.
	Kind() Kind

	// Validate checks the parameters and desired value and returns a
	// SchemaError describing the first problem found.
	Validate() error

	// probe reads the current state without mutating the host.
	probe(ctx context.Context, h Host) (CurrentState, error)

	// converged reports whether current already satisfies the desired value.
	converged(current CurrentState) bool

	// apply performs the minimal mutation from current towards the desired value.
	apply(ctx context.Context, h Host, current CurrentState) error
}

// CurrentState is a kind-specific snapshot of a host object.
type CurrentState interface {
	fmt.Stringer
	observed()
}

// ParseMode parses an octal permission string such as "0644" or "4755".
func ParseMode(s string) (uint32, error) {
	t := strings.TrimPrefix(s, "0o")
	if len(t) < 3 || len(t) > 5 {
		return 0, NewSchemaError(fmt.Sprintf("invalid file mode %q", s), nil)
	}
	v, err := strconv.ParseUint(t, 8, 32)
	if err != nil {
		return 0, NewSchemaError(fmt.Sprintf("invalid file mode %q", s), err)
	}
	if v > 0o7777 {
		return 0, NewSchemaError(fmt.Sprintf("file mode %q out of range", s), nil)
	}
	return uint32(v), nil
}

// FormatMode renders permission bits as a four digit octal string.
func FormatMode(mode uint32) string {
	return fmt.Sprintf("%04o", mode&0o7777)
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

func isUnsupported(err error) bool {
	return errors.Is(err, errors.ErrUnsupported)
}

// readOptional returns the file content, or exists=false when it is absent.
func readOptional(ctx context.Context, h Host, path string) (content string, exists bool, err error) {
	data, err := h.ReadFile(ctx, path)
	if err != nil {
		if isNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

func requireField(kind Kind, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewSchemaError(fmt.Sprintf("%s: %s is required", kind, field), nil)
	}
	return nil
}

func requireAbsPath(kind Kind, field, value string) error {
	if err := requireField(kind, field, value); err != nil {
		return err
	}
	if !strings.HasPrefix(value, "/") {
		return NewSchemaError(fmt.Sprintf("%s: %s must be an absolute path, got %q", kind, field, value), nil)
	}
	return nil
}
