package engine_test

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/openfroyo/harden/pkg/engine"
)

// ExampleLineEdit shows the line-in-file ordering rule: a matching line is
// replaced where it stands, anything else is appended.
func ExampleLineEdit() {
	edit := engine.LineEdit{
		Match:   regexp.MustCompile(`^#?PermitRootLogin`),
		Line:    "PermitRootLogin no",
		Present: true,
	}

	out, changed := edit.Apply("Port 22\nPermitRootLogin yes\nUsePAM yes\n")
	fmt.Printf("%q %v\n", out, changed)

	_, changed = edit.Apply(out)
	fmt.Println(changed)

	// Output:
	// "Port 22\nPermitRootLogin no\nUsePAM yes\n" true
	// false
}

// ExampleEngineError demonstrates error classification and rendering.
func ExampleEngineError() {
	cause := errors.New("permission denied")
	err := engine.NewProbeError("cannot read /etc/shadow", cause).
		WithResource("shadow-perms").
		WithKind(engine.KindFileAttributes)

	fmt.Println(err)
	fmt.Println(engine.IsProbe(err), engine.IsMutation(err))
	fmt.Println(errors.Is(err, cause))

	// Output:
	// [probe] (resource=shadow-perms, kind=FileAttributes) cannot read /etc/shadow: permission denied
	// true false
	// true
}

// ExampleRunReport_SummaryLine shows the human-readable per-host summary.
func ExampleRunReport_SummaryLine() {
	report := &engine.RunReport{
		Host: "web1",
		Results: []engine.ExecutionResult{
			{ResourceID: "sshd-running", Status: engine.StatusUnchanged},
			{ResourceID: "permit-root", Status: engine.StatusChanged},
			{ResourceID: "dns-server", Status: engine.StatusFailed, Fatal: true},
		},
		Halted:   true,
		HaltedBy: "dns-server",
	}

	fmt.Println(report.SummaryLine())
	fmt.Println(report.ExitCode())

	// Output:
	// host=web1 unchanged=1 changed=1 failed=1 skipped=0 halted_by=dns-server
	// 2
}
