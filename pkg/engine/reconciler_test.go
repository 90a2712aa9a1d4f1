package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func testOptions() ReconcileOptions {
	return ReconcileOptions{Timeout: time.Second}
}

func reconcileResource(t *testing.T, h Host, r Resource, opts ReconcileOptions) ExecutionResult {
	t.Helper()
	current, err := Probe(context.Background(), h, r, opts.Timeout)
	if err != nil {
		t.Fatalf("Probe() unexpected error: %v", err)
	}
	return Reconcile(context.Background(), h, r, current, opts)
}

func TestReconcileFileModeRoundTrip(t *testing.T) {
	host := newMockHost("web1").withFile("/etc/cron.deny", "", "bin", "staff", 0o644)
	r := Resource{
		ID:   "cron-deny",
		Kind: KindFileAttributes,
		Spec: &FileSpec{
			Params:  FileParams{Path: "/etc/cron.deny"},
			Desired: FileDesired{Owner: "root", Group: "root", Mode: "0000"},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}

	current, err := Probe(context.Background(), host, r, time.Second)
	if err != nil {
		t.Fatalf("Probe() unexpected error: %v", err)
	}
	want := FileObserved{Exists: true, Owner: "root", Group: "root", Mode: "0000"}
	if current != want {
		t.Errorf("probe after apply = %+v, want %+v", current, want)
	}
}

func TestReconcileConvergedServiceMakesNoMutation(t *testing.T) {
	host := newMockHost("web1").withService("sshd", true, true)
	r := Resource{
		ID:   "sshd",
		Kind: KindServiceState,
		Spec: &ServiceSpec{
			Params:  ServiceParams{Name: "sshd"},
			Desired: ServiceDesired{Running: boolPtr(true), Enabled: boolPtr(true)},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusUnchanged {
		t.Errorf("expected unchanged, got %s", res.Status)
	}
	if n := host.mutationCount(); n != 0 {
		t.Errorf("expected zero mutation calls, got %d", n)
	}
}

func TestReconcileServiceStartsAndEnables(t *testing.T) {
	host := newMockHost("web1").withService("auditd", false, false)
	r := Resource{
		ID:   "auditd",
		Kind: KindServiceState,
		Spec: &ServiceSpec{
			Params:  ServiceParams{Name: "auditd"},
			Desired: ServiceDesired{Running: boolPtr(true), Enabled: boolPtr(true)},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	if got := strings.Join(host.executed, ","); got != "enable auditd,start auditd" {
		t.Errorf("unexpected service actions: %s", got)
	}
}

func TestReconcileMissingServiceSatisfiesStopped(t *testing.T) {
	host := newMockHost("web1")
	r := Resource{
		ID:   "telnet",
		Kind: KindServiceState,
		Spec: &ServiceSpec{
			Params:  ServiceParams{Name: "telnet.socket"},
			Desired: ServiceDesired{Running: boolPtr(false), Enabled: boolPtr(false)},
		},
	}
	if res := reconcileResource(t, host, r, testOptions()); res.Status != StatusUnchanged {
		t.Errorf("expected unchanged, got %s: %s", res.Status, res.Message)
	}
}

func TestReconcileReprobeDisagreement(t *testing.T) {
	host := newMockHost("web1").withFile("/etc/shadow", "", "root", "root", 0o644)
	host.ignoreOwnerMode = true
	r := Resource{
		ID:   "shadow",
		Kind: KindFileAttributes,
		Spec: &FileSpec{Params: FileParams{Path: "/etc/shadow"}, Desired: FileDesired{Mode: "0000"}},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !IsMutation(res.Error) {
		t.Errorf("expected mutation error, got %v", res.Error)
	}
	if res.Error.Resource != "shadow" || res.Error.Kind != KindFileAttributes {
		t.Errorf("error should carry resource context, got %+v", res.Error)
	}
}

func TestReconcileMissingFileFails(t *testing.T) {
	host := newMockHost("web1")
	r := Resource{
		ID:   "gshadow",
		Kind: KindFileAttributes,
		Spec: &FileSpec{Params: FileParams{Path: "/etc/gshadow"}, Desired: FileDesired{Mode: "0000"}},
	}

	current, err := Probe(context.Background(), host, r, time.Second)
	if err != nil {
		t.Fatalf("absent file must not be a probe error: %v", err)
	}
	if current.(FileObserved).Exists {
		t.Fatal("expected exists=false")
	}
	res := Reconcile(context.Background(), host, r, current, testOptions())
	if res.Status != StatusFailed || !IsMutation(res.Error) {
		t.Errorf("expected mutation failure, got %s %v", res.Status, res.Error)
	}
}

func TestReconcileTimeout(t *testing.T) {
	host := newMockHost("web1").withService("sshd", false, true)
	host.delay = 200 * time.Millisecond
	r := Resource{
		ID:   "sshd",
		Kind: KindServiceState,
		Spec: &ServiceSpec{Params: ServiceParams{Name: "sshd"}, Desired: ServiceDesired{Running: boolPtr(true)}},
	}

	_, err := Probe(context.Background(), host, r, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected probe to time out")
	}
	if !IsTimeout(err) {
		t.Errorf("expected timeout error, got %v", err)
	}
}

func TestReconcileDryRun(t *testing.T) {
	host := newMockHost("web1").withFile("/etc/ssh/sshd_config", "PermitRootLogin yes\n", "root", "root", 0o600)
	r := Resource{
		ID:   "permit-root",
		Kind: KindLineInFile,
		Spec: &LineSpec{
			Params:  LineParams{Path: "/etc/ssh/sshd_config", Regexp: "^PermitRootLogin"},
			Desired: LineDesired{Line: "PermitRootLogin no"},
		},
	}

	opts := testOptions()
	opts.DryRun = true
	res := reconcileResource(t, host, r, opts)
	if res.Status != StatusChanged {
		t.Errorf("expected changed, got %s", res.Status)
	}
	if !strings.HasPrefix(res.Message, "would change") {
		t.Errorf("unexpected message %q", res.Message)
	}
	if host.mutationCount() != 0 {
		t.Error("dry run must not mutate")
	}
}

func TestReconcileLineInFileCreate(t *testing.T) {
	host := newMockHost("web1")
	r := Resource{
		ID:   "issue",
		Kind: KindLineInFile,
		Spec: &LineSpec{
			Params:  LineParams{Path: "/etc/issue.net", Create: true},
			Desired: LineDesired{Line: "Authorized uses only."},
		},
	}

	if res := reconcileResource(t, host, r, testOptions()); res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	if got := host.content("/etc/issue.net"); got != "Authorized uses only.\n" {
		t.Errorf("unexpected content %q", got)
	}
	if res := reconcileResource(t, host, r, testOptions()); res.Status != StatusUnchanged {
		t.Errorf("second run expected unchanged, got %s", res.Status)
	}
}

func TestReconcileCommandAssertion(t *testing.T) {
	host := newMockHost("web1")
	host.commands = func(cmd Command) CommandResult {
		if strings.Contains(cmd.Script, "nameserver") {
			return CommandResult{ExitCode: 1}
		}
		return CommandResult{ExitCode: 0, Stdout: "inactive\n"}
	}

	pass := Resource{
		ID:   "avahi-inactive",
		Kind: KindCommandAssertion,
		Spec: &CommandSpec{
			Params:  CommandParams{Command: "systemctl is-active avahi-daemon"},
			Desired: CommandDesired{Succeeds: boolPtr(true), StdoutMatches: "^inactive"},
		},
	}
	if res := reconcileResource(t, host, pass, testOptions()); res.Status != StatusUnchanged {
		t.Errorf("expected unchanged, got %s: %s", res.Status, res.Message)
	}

	fail := Resource{
		ID:   "dns-server",
		Kind: KindCommandAssertion,
		Spec: &CommandSpec{Params: CommandParams{Command: "grep -q nameserver /etc/resolv.conf"}},
	}
	res := reconcileResource(t, host, fail, testOptions())
	if res.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if !IsAssertion(res.Error) {
		t.Errorf("expected assertion failure, got %v", res.Error)
	}
	if host.mutationCount() != 0 {
		t.Error("assertions must never mutate")
	}
}

func TestReconcileSysctlPersist(t *testing.T) {
	host := newMockHost("web1").
		withFile("/proc/sys/net/ipv4/ip_forward", "1\n", "root", "root", 0o644).
		withFile("/etc/sysctl.d/60-harden.conf", "# hardening\nnet.ipv4.ip_forward=1\n", "root", "root", 0o644)
	r := Resource{
		ID:   "ip-forward",
		Kind: KindSysctlValue,
		Spec: &SysctlSpec{
			Params:  SysctlParams{Key: "net.ipv4.ip_forward", File: "/etc/sysctl.d/60-harden.conf"},
			Desired: SysctlDesired{Value: "0"},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	if got := host.content("/etc/sysctl.d/60-harden.conf"); got != "# hardening\nnet.ipv4.ip_forward = 0\n" {
		t.Errorf("unexpected persisted file %q", got)
	}
	if res := reconcileResource(t, host, r, testOptions()); res.Status != StatusUnchanged {
		t.Errorf("second run expected unchanged, got %s", res.Status)
	}
}

func TestReconcileSysctlOfflineImage(t *testing.T) {
	host := newMockHost("image")
	host.noProc = true
	r := Resource{
		ID:   "aslr",
		Kind: KindSysctlValue,
		Spec: &SysctlSpec{
			Params:  SysctlParams{Key: "kernel.randomize_va_space", File: "/etc/sysctl.d/60-harden.conf"},
			Desired: SysctlDesired{Value: "2"},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	if got := host.content("/etc/sysctl.d/60-harden.conf"); got != "kernel.randomize_va_space = 2\n" {
		t.Errorf("unexpected persisted file %q", got)
	}

	noFile := Resource{
		ID:   "aslr-runtime",
		Kind: KindSysctlValue,
		Spec: &SysctlSpec{Params: SysctlParams{Key: "kernel.randomize_va_space"}, Desired: SysctlDesired{Value: "2"}},
	}
	if _, err := Probe(context.Background(), host, noFile, time.Second); !IsProbe(err) {
		t.Errorf("runtime-only sysctl on an offline image should be a probe error, got %v", err)
	}
}

func TestReconcileMountOption(t *testing.T) {
	host := newMockHost("web1").
		withFile(mountTablePath, "tmpfs /tmp tmpfs rw,relatime 0 0\n/dev/sda1 / ext4 rw 0 0\n", "root", "root", 0o444).
		withFile("/etc/fstab", "# static\nUUID=abc /    ext4  defaults 0 1\ntmpfs /tmp tmpfs defaults 0 0\n", "root", "root", 0o644)
	r := Resource{
		ID:   "tmp-options",
		Kind: KindMountOption,
		Spec: &MountSpec{
			Params:  MountParams{Path: "/tmp", Persist: true},
			Desired: MountDesired{Options: []string{"nodev", "nosuid"}},
		},
	}

	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	wantFstab := "# static\nUUID=abc /    ext4  defaults 0 1\ntmpfs\t/tmp\ttmpfs\tdefaults,nodev,nosuid\t0\t0\n"
	if got := host.content("/etc/fstab"); got != wantFstab {
		t.Errorf("fstab = %q, want %q", got, wantFstab)
	}
	if res := reconcileResource(t, host, r, testOptions()); res.Status != StatusUnchanged {
		t.Errorf("second run expected unchanged, got %s: %s", res.Status, res.Message)
	}
}

func TestReconcilePackageInstall(t *testing.T) {
	host := newMockHost("web1")
	installed := false
	host.commands = func(cmd Command) CommandResult {
		switch {
		case cmd.Script == "command -v dpkg-query":
			return CommandResult{ExitCode: 0}
		case strings.HasPrefix(cmd.Script, "command -v"):
			return CommandResult{ExitCode: 1}
		case len(cmd.Argv) > 0 && cmd.Argv[0] == "dpkg-query":
			if installed {
				return CommandResult{Stdout: "install ok installed|1:3.1-2"}
			}
			return CommandResult{ExitCode: 1}
		case len(cmd.Argv) > 1 && cmd.Argv[0] == "apt-get" && cmd.Argv[1] == "install":
			if cmd.Env["DEBIAN_FRONTEND"] != "noninteractive" {
				return CommandResult{ExitCode: 100, Stderr: "interactive"}
			}
			installed = true
			return CommandResult{}
		}
		return CommandResult{ExitCode: 127}
	}

	r := Resource{
		ID:   "aide",
		Kind: KindPackageState,
		Spec: &PackageSpec{Params: PackageParams{Name: "aide"}, Desired: PackageDesired{Version: ">= 3.0"}},
	}
	res := reconcileResource(t, host, r, testOptions())
	if res.Status != StatusChanged {
		t.Fatalf("expected changed, got %s: %s", res.Status, res.Message)
	}
	after, ok := res.After.(PackageObserved)
	if !ok || !after.Installed || after.Manager != "apt" {
		t.Errorf("unexpected after state %+v", res.After)
	}
}
