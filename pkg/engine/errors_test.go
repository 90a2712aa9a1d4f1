package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorRendering(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "resource and kind",
			err:  NewMutationError("chmod failed", errors.New("read-only file system")).WithResource("shadow").WithKind(KindFileAttributes),
			want: "[mutation] (resource=shadow, kind=FileAttributes) chmod failed: read-only file system",
		},
		{
			name: "handler",
			err:  NewHandlerError("restart sshd failed", nil).WithResource("restart-sshd"),
			want: "[handler] (resource=restart-sshd) restart sshd failed",
		},
		{
			name: "schema",
			err:  NewSchemaError("duplicate resource id", nil),
			want: "[schema] duplicate resource id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	timeout := classify(ErrorClassProbe, "probe", fmt.Errorf("stat: %w", context.DeadlineExceeded))
	if !IsTimeout(timeout) {
		t.Errorf("deadline overrun should classify as timeout, got %v", timeout)
	}

	plain := classify(ErrorClassMutation, "apply", errors.New("boom"))
	if !IsMutation(plain) || plain.Operation != "apply" {
		t.Errorf("unexpected classification %+v", plain)
	}

	existing := NewAssertionFailure("violated", nil)
	if got := classify(ErrorClassMutation, "apply", fmt.Errorf("wrapped: %w", existing)); got != existing {
		t.Error("classify must keep an existing classification")
	}
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("run: %w", NewProbeError("denied", nil))
	if !errors.Is(err, &EngineError{Class: ErrorClassProbe}) {
		t.Error("errors.Is should match on class")
	}
	if errors.Is(err, &EngineError{Class: ErrorClassMutation}) {
		t.Error("errors.Is must not match a different class")
	}
}

func TestEngineErrorJSON(t *testing.T) {
	err := NewProbeError("cannot read", errors.New("permission denied")).WithResource("r1")
	data, jerr := json.Marshal(err)
	if jerr != nil {
		t.Fatalf("Marshal() error: %v", jerr)
	}
	if !strings.Contains(string(data), `"detail":"cannot read: permission denied"`) {
		t.Errorf("JSON should carry the cause, got %s", data)
	}
	if !strings.Contains(string(data), `"class":"probe"`) {
		t.Errorf("JSON should carry the class, got %s", data)
	}
}
