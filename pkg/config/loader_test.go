package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/harden/pkg/engine"
)

const baselineYAML = `
version: "1"
name: baseline
vars:
  sshd_config: /etc/ssh/sshd_config
resources:
  - id: dns-server
    kind: CommandAssertion
    params: {command: "grep -q nameserver /etc/resolv.conf"}
    fatal: true
  - id: permit-root
    kind: LineInFile
    params: {path: "{{ vars.sshd_config }}", regexp: "^#?PermitRootLogin"}
    desired: {line: "PermitRootLogin no"}
    notify: [restart-sshd]
    tags: [ssh]
    timeout: 30s
  - id: remove-user
    kind: CommandAssertion
    loop: [user1, user2]
    params: {command: "! id {{ item }}"}
  - id: "sysctl-{{ item.key }}"
    kind: SysctlValue
    loop:
      - {key: net.ipv4.ip_forward, value: 0}
      - {key: kernel.randomize_va_space, value: 2}
    params: {key: "{{ item.key }}", file: /etc/sysctl.d/99-harden.conf}
    desired: {value: "{{ item.value }}"}
handlers:
  - name: restart-sshd
    action: {service: sshd, verb: restart}
`

func TestLoadYAML(t *testing.T) {
	doc, err := NewLoader().Load("baseline.yaml", []byte(baselineYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	wantIDs := []string{
		"dns-server",
		"permit-root",
		"remove-user[0]",
		"remove-user[1]",
		"sysctl-net.ipv4.ip_forward",
		"sysctl-kernel.randomize_va_space",
	}
	if len(doc.Resources) != len(wantIDs) {
		t.Fatalf("expected %d resources, got %d", len(wantIDs), len(doc.Resources))
	}
	for i, id := range wantIDs {
		if doc.Resources[i].ID != id {
			t.Errorf("resource %d id = %q, want %q", i, doc.Resources[i].ID, id)
		}
	}

	if doc.Name != "baseline" || doc.Source != "baseline.yaml" || len(doc.Digest) != 64 {
		t.Errorf("unexpected document metadata name=%q source=%q digest=%q", doc.Name, doc.Source, doc.Digest)
	}
	if !doc.Resources[0].Fatal {
		t.Error("dns-server should be fatal")
	}

	line, ok := doc.Resources[1].Spec.(*engine.LineSpec)
	if !ok {
		t.Fatalf("permit-root spec is %T", doc.Resources[1].Spec)
	}
	if line.Params.Path != "/etc/ssh/sshd_config" {
		t.Errorf("vars not substituted: path = %q", line.Params.Path)
	}
	if doc.Resources[1].Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", doc.Resources[1].Timeout)
	}

	cmd := doc.Resources[3].Spec.(*engine.CommandSpec)
	if cmd.Params.Command != "! id user2" {
		t.Errorf("loop item not substituted: %q", cmd.Params.Command)
	}

	sysctl := doc.Resources[4].Spec.(*engine.SysctlSpec)
	if sysctl.Params.Key != "net.ipv4.ip_forward" || sysctl.Desired.Value != "0" {
		t.Errorf("unexpected sysctl spec %+v", sysctl)
	}

	handler, ok := doc.Handlers["restart-sshd"]
	if !ok || handler.Action.Service != "sshd" || handler.Action.Verb != engine.ServiceRestart {
		t.Errorf("unexpected handler %+v", handler)
	}
}

func TestLoadVarOverride(t *testing.T) {
	loader := NewLoader(WithVars(map[string]string{"sshd_config": "/srv/image/etc/ssh/sshd_config"}))
	doc, err := loader.Load("baseline.yaml", []byte(baselineYAML), FormatYAML)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := doc.Resources[1].Spec.(*engine.LineSpec).Params.Path; got != "/srv/image/etc/ssh/sshd_config" {
		t.Errorf("override not applied: %q", got)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{
			name:    "empty document",
			content: "",
			wantMsg: "document is empty",
		},
		{
			name: "unknown top-level resource field",
			content: `
resources:
  - id: shadow
    kind: FileAttributes
    params: {path: /etc/shadow}
    desired: {mode: "0640"}
    bogus: 1
`,
			wantMsg: "bogus",
		},
		{
			name: "unknown params field",
			content: `
resources:
  - id: shadow
    kind: FileAttributes
    params: {path: /etc/shadow, colour: red}
    desired: {mode: "0640"}
`,
			wantMsg: "colour",
		},
		{
			name: "unknown kind",
			content: `
resources:
  - id: users
    kind: UserAccount
    params: {name: user1}
`,
			wantMsg: "resources[0].kind",
		},
		{
			name: "invalid mode",
			content: `
resources:
  - id: shadow
    kind: FileAttributes
    params: {path: /etc/shadow}
    desired: {mode: "0999"}
`,
			wantMsg: "mode",
		},
		{
			name: "unquoted mode",
			content: `
resources:
  - id: shadow
    kind: FileAttributes
    params: {path: /etc/shadow}
    desired: {mode: 0640}
`,
			wantMsg: "quoted octal",
		},
		{
			name: "duplicate id",
			content: `
resources:
  - id: dup
    kind: CommandAssertion
    params: {command: "true"}
  - id: dup
    kind: CommandAssertion
    params: {command: "true"}
`,
			wantMsg: `duplicate resource id "dup"`,
		},
		{
			name: "duplicate id after loop expansion",
			content: `
resources:
  - id: "check-{{ item }}"
    kind: CommandAssertion
    loop: [a, a]
    params: {command: "true"}
`,
			wantMsg: `duplicate resource id "check-a"`,
		},
		{
			name: "unknown handler",
			content: `
resources:
  - id: sshd
    kind: ServiceState
    params: {name: sshd}
    desired: {running: true}
    notify: [restart-sshd]
`,
			wantMsg: `unknown handler "restart-sshd"`,
		},
		{
			name: "undefined var",
			content: `
resources:
  - id: cfg
    kind: LineInFile
    params: {path: "{{ vars.missing }}"}
    desired: {line: x}
`,
			wantMsg: "undefined template variable",
		},
		{
			name: "item outside loop",
			content: `
resources:
  - id: cfg
    kind: CommandAssertion
    params: {command: "id {{ item }}"}
`,
			wantMsg: "not inside a loop",
		},
		{
			name: "handler with both service and command",
			content: `
resources: []
handlers:
  - name: both
    action: {service: sshd, verb: restart, command: "true"}
`,
			wantMsg: "handlers[0]",
		},
		{
			name: "bad timeout",
			content: `
resources:
  - id: slow
    kind: CommandAssertion
    params: {command: "true"}
    timeout: soon
`,
			wantMsg: "invalid timeout",
		},
	}

	loader := NewLoader()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := loader.Load("policy.yaml", []byte(tt.content), FormatYAML)
			if err == nil {
				t.Fatalf("expected error, got document with %d resources", len(doc.Resources))
			}
			if !engine.IsSchema(err) {
				t.Errorf("expected SchemaError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadJSON(t *testing.T) {
	content := `{
  "name": "json-baseline",
  "resources": [
    {"id": "shadow", "kind": "FileAttributes", "params": {"path": "/etc/shadow"}, "desired": {"owner": "root", "mode": "0640"}, "timeout": 5},
    {"id": "dns", "kind": "CommandAssertion", "params": {"argv": ["getent", "hosts", "example.org"]}, "desired": {"exitCode": 0}}
  ]
}`
	doc, err := NewLoader().Load("policy.json", []byte(content), FormatJSON)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(doc.Resources) != 2 {
		t.Fatalf("expected 2 resources, got %d", len(doc.Resources))
	}
	if doc.Resources[0].Timeout != 5*time.Second {
		t.Errorf("numeric timeout = %v, want 5s", doc.Resources[0].Timeout)
	}
	cmd := doc.Resources[1].Spec.(*engine.CommandSpec)
	if cmd.Desired.ExitCode == nil || *cmd.Desired.ExitCode != 0 || len(cmd.Params.Argv) != 3 {
		t.Errorf("unexpected command spec %+v", cmd)
	}

	_, err = NewLoader().Load("policy.json", []byte(`{"resources": [], "extra": true}`), FormatJSON)
	if !engine.IsSchema(err) {
		t.Errorf("unknown JSON field should be a SchemaError, got %v", err)
	}
}

func TestLoadCUE(t *testing.T) {
	content := `
name: "cue-baseline"
resources: [{
	id:   "shadow"
	kind: "FileAttributes"
	params: path: "/etc/shadow"
	desired: {owner: "root", group: "root", mode: "0640"}
}]
`
	doc, err := NewLoader().Load("policy.cue", []byte(content), FormatCUE)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if doc.Name != "cue-baseline" || len(doc.Resources) != 1 {
		t.Fatalf("unexpected document %+v", doc)
	}
	file := doc.Resources[0].Spec.(*engine.FileSpec)
	if file.Desired.Mode != "0640" || file.Params.Path != "/etc/shadow" {
		t.Errorf("unexpected file spec %+v", file)
	}
}

func TestLoadCUERejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax error", content: `resources: [{id: "x"`},
		{name: "kind outside enum", content: `resources: [{id: "x", kind: "Bogus"}]`},
		{name: "unknown top-level field", content: `resources: [], colour: "red"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load("policy.cue", []byte(tt.content), FormatCUE)
			if !engine.IsSchema(err) {
				t.Errorf("expected SchemaError, got %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "baseline.yml")
	if err := os.WriteFile(path, []byte(baselineYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	doc, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error: %v", err)
	}
	if doc.Source != path {
		t.Errorf("Source = %q, want %q", doc.Source, path)
	}

	if _, err := NewLoader().LoadFile(filepath.Join(dir, "policy.toml")); !engine.IsSchema(err) {
		t.Errorf("unsupported extension should be a SchemaError, got %v", err)
	}
	if _, err := NewLoader().LoadFile(filepath.Join(dir, "missing.yaml")); !engine.IsSchema(err) {
		t.Errorf("missing file should be a SchemaError, got %v", err)
	}
}

func TestFormatFromPath(t *testing.T) {
	tests := []struct {
		path    string
		want    Format
		wantErr bool
	}{
		{path: "a.yaml", want: FormatYAML},
		{path: "a.YML", want: FormatYAML},
		{path: "a.json", want: FormatJSON},
		{path: "dir/a.cue", want: FormatCUE},
		{path: "a.txt", wantErr: true},
	}
	for _, tt := range tests {
		got, err := FormatFromPath(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("FormatFromPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("FormatFromPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
