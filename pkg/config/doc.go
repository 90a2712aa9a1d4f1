// Package config loads hardening policy documents and runtime settings.
//
// # Policy documents
//
// A document is written in YAML (.yaml, .yml), JSON (.json) or CUE (.cue).
// All three decode into DocumentFile:
//
//	version: "1"
//	name: baseline
//	vars:
//	  ssh_config: /etc/ssh/sshd_config
//	resources:
//	  - id: permit-root
//	    kind: LineInFile
//	    params: {path: "{{ vars.ssh_config }}", regexp: "^#?PermitRootLogin"}
//	    desired: {line: PermitRootLogin no}
//	    notify: [restart-sshd]
//	  - id: remove-user
//	    kind: CommandAssertion
//	    loop: [user1, user2]
//	    params: {command: "! id {{ item }}"}
//	handlers:
//	  - name: restart-sshd
//	    action: {service: sshd, verb: restart}
//
// Unknown fields are rejected. CUE documents are additionally unified with
// the #Document definition in schemas.go before export.
//
// # Expansion
//
// A declaration with a loop becomes one resource per item, in item order.
// The ID gets an "[index]" suffix unless it contains a placeholder itself.
// Placeholders are {{ item }}, {{ item.field }} and {{ vars.name }}; they are
// substituted in the ID and in every string under params and desired. A
// string consisting of a single placeholder takes the bound value's type.
// An unbound placeholder rejects the document.
//
// # Validation
//
// Loader.Load returns either a fully validated *engine.Document or a
// SchemaError listing every problem found: struct tags (validator), unknown
// kinds, per-kind Validate failures, duplicate IDs after expansion, and notify
// references to undefined handlers.
//
// # Settings
//
// LoadSettings reads HARDEN_* environment variables after loading an optional
// dotenv file.
package config
