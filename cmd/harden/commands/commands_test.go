package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/harden/pkg/engine"
)

const sshPolicy = `
name: ssh-baseline
vars:
  root_login: "no"
resources:
  - id: permit-root
    kind: LineInFile
    params: {path: /etc/ssh/sshd_config, regexp: "^#?PermitRootLogin"}
    desired: {line: "PermitRootLogin {{ vars.root_login }}"}
    tags: [ssh]
  - id: sshd-config-mode
    kind: FileAttributes
    params: {path: /etc/ssh/sshd_config}
    desired: {mode: "0600"}
    tags: [ssh, files]
`

// testEnv is an offline image plus an isolated history database.
type testEnv struct {
	t      *testing.T
	image  string
	policy string
	db     string
}

func newTestEnv(t *testing.T, policy string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	image := filepath.Join(dir, "image")
	if err := os.MkdirAll(filepath.Join(image, "etc/ssh"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(image, "etc/ssh/sshd_config"), []byte("Port 22\nPermitRootLogin yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(policy), 0o644); err != nil {
		t.Fatal(err)
	}
	return &testEnv{t: t, image: image, policy: path, db: filepath.Join(dir, "history.db")}
}

func (e *testEnv) host() string { return "chroot:" + e.image }

// run executes the CLI and returns stdout and the exit code.
func (e *testEnv) run(args ...string) (string, int) {
	e.t.Helper()
	var stdout, stderr bytes.Buffer
	base := []string{"--env-file", filepath.Join(e.t.TempDir(), "missing.env"), "--state-db", e.db, "--log-level", "error"}
	err := Execute(context.Background(), BuildInfo{Version: "test"}, append(base, args...), &stdout, &stderr)
	return stdout.String(), ExitCode(err)
}

func (e *testEnv) sshdConfig() string {
	e.t.Helper()
	data, err := os.ReadFile(filepath.Join(e.image, "etc/ssh/sshd_config"))
	if err != nil {
		e.t.Fatal(err)
	}
	return string(data)
}

func records(t *testing.T, out string) []engine.Record {
	t.Helper()
	var recs []engine.Record
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var rec struct {
			engine.Record
			Before json.RawMessage `json:"before"`
			After  json.RawMessage `json:"after"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("bad JSON record %q: %v", line, err)
		}
		recs = append(recs, rec.Record)
	}
	return recs
}

func TestApplyConvergesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t, sshPolicy)

	out, code := env.run("apply", env.policy, "--host", env.host())
	if code != engine.ExitOK {
		t.Fatalf("first apply exit = %d, output:\n%s", code, out)
	}
	recs := records(t, out)
	if len(recs) != 2 || recs[0].ID != "permit-root" || recs[0].Status != engine.StatusChanged || recs[1].Status != engine.StatusChanged {
		t.Fatalf("first apply records = %+v", recs)
	}
	wantSummary := "host=" + env.host() + " unchanged=0 changed=2 failed=0 skipped=0"
	if !strings.Contains(out, wantSummary) {
		t.Errorf("summary missing %q:\n%s", wantSummary, out)
	}
	if got := env.sshdConfig(); got != "Port 22\nPermitRootLogin no\n" {
		t.Errorf("sshd_config = %q", got)
	}
	info, _ := os.Stat(filepath.Join(env.image, "etc/ssh/sshd_config"))
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", info.Mode().Perm())
	}

	out, code = env.run("apply", env.policy, "--host", env.host())
	if code != engine.ExitOK {
		t.Fatalf("second apply exit = %d", code)
	}
	if !strings.Contains(out, "unchanged=2 changed=0") {
		t.Errorf("second apply was not a no-op:\n%s", out)
	}
}

func TestApplyDryRunChangesNothing(t *testing.T) {
	env := newTestEnv(t, sshPolicy)
	before := env.sshdConfig()

	out, code := env.run("apply", env.policy, "--host", env.host(), "--dry-run")
	if code != engine.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(out, "changed=2") {
		t.Errorf("dry run should report pending changes:\n%s", out)
	}
	if env.sshdConfig() != before {
		t.Error("dry run modified the image")
	}
}

func TestApplyTagsAndVars(t *testing.T) {
	env := newTestEnv(t, sshPolicy)

	out, code := env.run("apply", env.policy, "--host", env.host(), "--tags", "files", "--var", "root_login=prohibit-password")
	if code != engine.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	recs := records(t, out)
	if len(recs) != 2 || recs[0].Status != engine.StatusSkipped || recs[1].Status != engine.StatusChanged {
		t.Errorf("records = %+v", recs)
	}

	if _, code := env.run("apply", env.policy, "--host", env.host(), "--var", "root_login=prohibit-password"); code != engine.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.Contains(env.sshdConfig(), "PermitRootLogin prohibit-password\n") {
		t.Errorf("var override not applied: %q", env.sshdConfig())
	}
}

func TestApplyRejectedDocumentTouchesNothing(t *testing.T) {
	tests := []struct {
		name   string
		policy string
		args   []string
	}{
		{name: "guard rule", policy: sshPolicy, args: []string{"--var", "root_login=yes"}},
		{name: "unknown kind", policy: "resources:\n  - id: x\n    kind: UserAccount\n"},
		{name: "bad var flag", policy: sshPolicy, args: []string{"--var", "novalue"}},
		{name: "bad host", policy: sshPolicy, args: []string{"--host", "ssh://web1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.policy)
			before := env.sshdConfig()

			args := append([]string{"apply", env.policy, "--host", env.host()}, tt.args...)
			if _, code := env.run(args...); code != engine.ExitFatal {
				t.Errorf("exit = %d, want %d", code, engine.ExitFatal)
			}
			if env.sshdConfig() != before {
				t.Error("rejected document modified the image")
			}
		})
	}
}

func TestApplyFatalResourceHalts(t *testing.T) {
	policy := `
resources:
  - id: forwarding
    kind: SysctlValue
    params: {key: net.ipv4.ip_forward}
    desired: {value: "0"}
    fatal: true
  - id: permit-root
    kind: LineInFile
    params: {path: /etc/ssh/sshd_config, regexp: "^PermitRootLogin"}
    desired: {line: "PermitRootLogin no"}
`
	env := newTestEnv(t, policy)
	before := env.sshdConfig()

	out, code := env.run("apply", env.policy, "--host", env.host())
	if code != engine.ExitFatal {
		t.Fatalf("exit = %d, want 2\n%s", code, out)
	}
	recs := records(t, out)
	if len(recs) != 2 || recs[0].Status != engine.StatusFailed || recs[1].Status != engine.StatusSkipped {
		t.Errorf("records = %+v", recs)
	}
	if env.sshdConfig() != before {
		t.Error("resource after the fatal failure was applied")
	}

	out, code = env.run("apply", env.policy, "--host", env.host(), "--continue-on-error")
	if code != engine.ExitFailures {
		t.Fatalf("continue-on-error exit = %d, want 1\n%s", code, out)
	}
	if !strings.Contains(env.sshdConfig(), "PermitRootLogin no") {
		t.Error("continue-on-error did not apply the remaining resource")
	}
}

func TestApplyReportFile(t *testing.T) {
	env := newTestEnv(t, sshPolicy)
	report := filepath.Join(t.TempDir(), "run.jsonl")

	out, code := env.run("apply", env.policy, "--host", env.host(), "--report", report)
	if code != engine.ExitOK {
		t.Fatalf("exit = %d", code)
	}
	if strings.Contains(out, "{") {
		t.Errorf("records leaked to stdout:\n%s", out)
	}
	data, err := os.ReadFile(report)
	if err != nil {
		t.Fatal(err)
	}
	if recs := records(t, string(data)); len(recs) != 2 {
		t.Errorf("report has %d records, want 2", len(recs))
	}
}

func TestHistoryAndShow(t *testing.T) {
	env := newTestEnv(t, sshPolicy)
	if _, code := env.run("apply", env.policy, "--host", env.host()); code != engine.ExitOK {
		t.Fatalf("apply exit = %d", code)
	}

	out, code := env.run("history", "--json")
	if code != engine.ExitOK {
		t.Fatalf("history exit = %d", code)
	}
	var run struct {
		ID     string `json:"id"`
		Host   string `json:"host"`
		Source string `json:"source"`
		Digest string `json:"digest"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &run); err != nil {
		t.Fatalf("history output %q: %v", out, err)
	}
	if run.Host != env.host() || run.Source != env.policy || len(run.Digest) != 64 {
		t.Errorf("history run = %+v", run)
	}

	out, code = env.run("show", run.ID)
	if code != engine.ExitOK {
		t.Fatalf("show exit = %d", code)
	}
	for _, want := range []string{"run " + run.ID, "permit-root", "sshd-config-mode", "changed"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}

	if _, code := env.run("show", "no-such-run"); code == engine.ExitOK {
		t.Error("show of an unknown run should fail")
	}

	out, code = env.run("show", "--last", "--host", env.host())
	if code != engine.ExitOK || !strings.Contains(out, "run "+run.ID) {
		t.Errorf("show --last = %q, exit %d", out, code)
	}
	if _, code := env.run("show", "--last", "--host", "chroot:/elsewhere"); code == engine.ExitOK {
		t.Error("show --last for a host without runs should fail")
	}
	if _, code := env.run("show", "--last", run.ID); code == engine.ExitOK {
		t.Error("show --last with a run ID should be a usage error")
	}

	out, code = env.run("history", "--prune-before", "0s")
	if code != engine.ExitOK || !strings.Contains(out, "pruned 1 runs") {
		t.Errorf("prune = %q, exit %d", out, code)
	}
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, sshPolicy)

	out, code := env.run("validate", env.policy)
	if code != engine.ExitOK || !strings.Contains(out, "ok (2 resources, 0 handlers") {
		t.Errorf("validate = %q, exit %d", out, code)
	}

	out, code = env.run("validate", env.policy, "--print", "--var", "root_login=without-password")
	if code != engine.ExitOK || !strings.Contains(out, "PermitRootLogin without-password") {
		t.Errorf("validate --print = %q, exit %d", out, code)
	}

	if _, code := env.run("validate", env.policy, "--var", "root_login=yes"); code != engine.ExitFatal {
		t.Errorf("guard violation exit = %d, want 2", code)
	}
	if _, code := env.run("validate", env.policy, "--var", "root_login=yes", "--disable-guard", "sshd-root-login"); code != engine.ExitOK {
		t.Errorf("disabled guard exit = %d, want 0", code)
	}
}

func TestParseVars(t *testing.T) {
	vars, err := parseVars([]string{"a=1", "b=x=y", "c="})
	if err != nil {
		t.Fatalf("parseVars() error: %v", err)
	}
	if vars["a"] != "1" || vars["b"] != "x=y" || vars["c"] != "" {
		t.Errorf("parseVars() = %v", vars)
	}
	for _, bad := range []string{"novalue", "=1"} {
		if _, err := parseVars([]string{bad}); err == nil {
			t.Errorf("parseVars(%q) should fail", bad)
		}
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != 0 || ExitCode(outcome(0)) != 0 {
		t.Error("nil error should exit 0")
	}
	if ExitCode(outcome(1)) != 1 || !IsQuiet(outcome(1)) {
		t.Error("run outcome should keep its code and be quiet")
	}
	if ExitCode(os.ErrNotExist) != 2 {
		t.Error("unclassified errors should exit 2")
	}
}

func TestCancelledRunExitsWithFailure(t *testing.T) {
	reports := []*engine.RunReport{
		{Host: "local", Results: []engine.ExecutionResult{{ResourceID: "a", Status: engine.StatusUnchanged}}},
		{
			Host:      "chroot:/srv/image",
			Cancelled: true,
			Results: []engine.ExecutionResult{
				{ResourceID: "permit-root", Status: engine.StatusChanged},
				{ResourceID: "sshd-config-mode", Status: engine.StatusSkipped, Message: engine.ReasonCancelled},
			},
			Handlers: []engine.HandlerResult{{Name: "restart-sshd", Status: engine.StatusSkipped}},
		},
	}

	err := outcome(engine.WorstExitCode(reports))
	if code := ExitCode(err); code != engine.ExitFailures {
		t.Errorf("exit = %d, want %d after a cancelled run", code, engine.ExitFailures)
	}
	if !IsQuiet(err) {
		t.Error("a run outcome should not be logged again")
	}
}

func TestWatchLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan string, 1)
	tick := make(chan time.Time, 1)

	var reasons []string
	round := func(reason string) {
		reasons = append(reasons, reason)
		switch len(reasons) {
		case 1:
			changes <- "policy.yaml"
		case 2:
			tick <- time.Now()
		default:
			cancel()
		}
	}
	watchLoop(ctx, changes, tick, round)

	want := []string{"start", "changed policy.yaml", "interval"}
	if strings.Join(reasons, ",") != strings.Join(want, ",") {
		t.Errorf("rounds = %v, want %v", reasons, want)
	}
}

func TestChangeWatcherDebounces(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	other := filepath.Join(dir, "notes.txt")
	for _, p := range []string{policy, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	w, err := newChangeWatcher([]string{policy}, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("newChangeWatcher() error: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan string, 1)
	go w.run(ctx, changes)

	if err := os.WriteFile(other, []byte("y"), 0o644); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := os.WriteFile(policy, []byte(strings.Repeat("z", i+1)), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-changes:
		if filepath.Clean(got) != policy {
			t.Errorf("change = %s, want %s", got, policy)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	select {
	case got := <-changes:
		t.Errorf("burst produced a second change: %s", got)
	case <-time.After(300 * time.Millisecond):
	}

	if _, err := newChangeWatcher([]string{filepath.Join(dir, "missing.yaml")}, 0, zerolog.Nop()); err == nil {
		t.Error("expected error for a missing path")
	}
}
