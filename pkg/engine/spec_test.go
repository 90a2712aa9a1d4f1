package engine

import (
	"testing"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{in: "0644", want: 0o644},
		{in: "644", want: 0o644},
		{in: "0000", want: 0},
		{in: "4755", want: 0o4755},
		{in: "0o600", want: 0o600},
		{in: "rw-r--r--", wantErr: true},
		{in: "0989", wantErr: true},
		{in: "64", wantErr: true},
		{in: "177777", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseMode(%q) expected error", tt.in)
				}
				if !IsSchema(err) {
					t.Errorf("ParseMode(%q) error should be a schema error, got %v", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q) unexpected error: %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseMode(%q) = %o, want %o", tt.in, got, tt.want)
			}
		})
	}
}

func TestFormatMode(t *testing.T) {
	if got := FormatMode(0); got != "0000" {
		t.Errorf("FormatMode(0) = %q, want 0000", got)
	}
	if got := FormatMode(0o4755); got != "4755" {
		t.Errorf("FormatMode(04755) = %q, want 4755", got)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"file ok", &FileSpec{Params: FileParams{Path: "/etc/passwd"}, Desired: FileDesired{Mode: "0644"}}, false},
		{"file bad mode", &FileSpec{Params: FileParams{Path: "/etc/passwd"}, Desired: FileDesired{Mode: "u+rw"}}, true},
		{"file relative path", &FileSpec{Params: FileParams{Path: "etc/passwd"}, Desired: FileDesired{Owner: "root"}}, true},
		{"file nothing desired", &FileSpec{Params: FileParams{Path: "/etc/passwd"}}, true},

		{"service ok", &ServiceSpec{Params: ServiceParams{Name: "sshd"}, Desired: ServiceDesired{Running: boolPtr(true)}}, false},
		{"service no name", &ServiceSpec{Desired: ServiceDesired{Running: boolPtr(true)}}, true},
		{"service nothing desired", &ServiceSpec{Params: ServiceParams{Name: "sshd"}}, true},

		{"line ok", &LineSpec{Params: LineParams{Path: "/etc/ssh/sshd_config", Regexp: "^PermitRootLogin"}, Desired: LineDesired{Line: "PermitRootLogin no"}}, false},
		{"line bad regexp", &LineSpec{Params: LineParams{Path: "/etc/ssh/sshd_config", Regexp: "("}, Desired: LineDesired{Line: "x"}}, true},
		{"line bad state", &LineSpec{Params: LineParams{Path: "/etc/x"}, Desired: LineDesired{Line: "x", State: "gone"}}, true},
		{"line present without line", &LineSpec{Params: LineParams{Path: "/etc/x", Regexp: "^x"}}, true},
		{"line absent by regexp", &LineSpec{Params: LineParams{Path: "/etc/x", Regexp: "^x"}, Desired: LineDesired{State: "absent"}}, false},

		{"mount ok", &MountSpec{Params: MountParams{Path: "/tmp"}, Desired: MountDesired{Options: []string{"nodev", "nosuid"}}}, false},
		{"mount no options", &MountSpec{Params: MountParams{Path: "/tmp"}}, true},
		{"mount option with comma", &MountSpec{Params: MountParams{Path: "/tmp"}, Desired: MountDesired{Options: []string{"nodev,nosuid"}}}, true},

		{"sysctl ok", &SysctlSpec{Params: SysctlParams{Key: "net.ipv4.ip_forward"}, Desired: SysctlDesired{Value: "0"}}, false},
		{"sysctl traversal", &SysctlSpec{Params: SysctlParams{Key: "net..ipv4"}, Desired: SysctlDesired{Value: "0"}}, true},
		{"sysctl no value", &SysctlSpec{Params: SysctlParams{Key: "kernel.randomize_va_space"}}, true},
		{"sysctl relative file", &SysctlSpec{Params: SysctlParams{Key: "kernel.x", File: "sysctl.conf"}, Desired: SysctlDesired{Value: "1"}}, true},

		{"package ok", &PackageSpec{Params: PackageParams{Name: "aide"}}, false},
		{"package constraint", &PackageSpec{Params: PackageParams{Name: "openssh-server"}, Desired: PackageDesired{Version: ">= 8.0"}}, false},
		{"package bad constraint", &PackageSpec{Params: PackageParams{Name: "openssh-server"}, Desired: PackageDesired{Version: "newest"}}, true},
		{"package bad state", &PackageSpec{Params: PackageParams{Name: "telnet"}, Desired: PackageDesired{State: "purged"}}, true},
		{"package bad manager", &PackageSpec{Params: PackageParams{Name: "telnet", Manager: "pacman"}}, true},
		{"package absent with version", &PackageSpec{Params: PackageParams{Name: "telnet"}, Desired: PackageDesired{State: "absent", Version: "1.0"}}, true},

		{"command ok", &CommandSpec{Params: CommandParams{Command: "grep -q nameserver /etc/resolv.conf"}}, false},
		{"command argv ok", &CommandSpec{Params: CommandParams{Argv: []string{"test", "-f", "/etc/issue"}}, Desired: CommandDesired{ExitCode: intPtr(0)}}, false},
		{"command missing", &CommandSpec{}, true},
		{"command both forms", &CommandSpec{Params: CommandParams{Command: "true", Argv: []string{"true"}}}, true},
		{"command both expectations", &CommandSpec{Params: CommandParams{Command: "true"}, Desired: CommandDesired{Succeeds: boolPtr(true), ExitCode: intPtr(0)}}, true},
		{"command bad stdout regexp", &CommandSpec{Params: CommandParams{Command: "true"}, Desired: CommandDesired{StdoutMatches: "["}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !IsSchema(err) {
					t.Errorf("expected schema error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestKindValidate(t *testing.T) {
	for _, k := range Kinds {
		if err := k.Validate(); err != nil {
			t.Errorf("%s.Validate() = %v", k, err)
		}
	}
	if err := Kind("UserAccount").Validate(); !IsSchema(err) {
		t.Errorf("unknown kind should be a schema error, got %v", err)
	}
	if KindCommandAssertion.Mutating() {
		t.Error("CommandAssertion must not be mutating")
	}
}

func TestCoerceVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1:8.9p1-3ubuntu0.10", "8.9.0"},
		{"2.0.1-1.el9", "2.0.1"},
		{"1.2.3.4", "1.2.3"},
		{"7.4~rc1", "7.4.0"},
	}
	for _, tt := range tests {
		v, err := coerceVersion(tt.in)
		if err != nil {
			t.Errorf("coerceVersion(%q) error: %v", tt.in, err)
			continue
		}
		if v.String() != tt.want {
			t.Errorf("coerceVersion(%q) = %s, want %s", tt.in, v, tt.want)
		}
	}
}
