package policy

// BuiltinPolicies returns the guard rules evaluated for every document.
func BuiltinPolicies() []Policy {
	return []Policy{
		sshdRootLoginPolicy(),
		worldWritablePolicy(),
		unusedHandlerPolicy(),
		floatingPackagePolicy(),
	}
}

// sshdRootLoginPolicy rejects documents that would enable root SSH logins.
func sshdRootLoginPolicy() Policy {
	return Policy{
		Name:        "sshd-root-login",
		Description: "Rejects line edits that set PermitRootLogin yes",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package harden.guards.sshd

deny contains violation if {
	some r in input.resources
	r.kind == "LineInFile"
	object.get(r.spec.desired, "state", "present") != "absent"
	regex.match("(?i)^\\s*PermitRootLogin\\s+yes\\b", r.spec.desired.line)
	violation := {
		"resource": r.id,
		"message": sprintf("%s would set PermitRootLogin yes in %s", [r.id, r.spec.params.path]),
	}
}
`,
	}
}

// worldWritablePolicy flags file modes that grant write access to others.
func worldWritablePolicy() Policy {
	return Policy{
		Name:        "world-writable",
		Description: "Warns about FileAttributes modes writable by others",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package harden.guards.modes

deny contains violation if {
	some r in input.resources
	r.kind == "FileAttributes"
	mode := r.spec.desired.mode
	regex.match("[2367]$", mode)
	violation := {
		"resource": r.id,
		"message": sprintf("mode %s makes %s world-writable", [mode, r.spec.params.path]),
	}
}
`,
	}
}

// unusedHandlerPolicy flags handlers that no resource notifies.
func unusedHandlerPolicy() Policy {
	return Policy{
		Name:        "unused-handler",
		Description: "Warns about handlers no resource notifies",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package harden.guards.handlers

notified contains name if {
	some r in input.resources
	some name in r.notify
}

deny contains violation if {
	some name, _ in input.handlers
	not notified[name]
	violation := {"message": sprintf("handler %s is never notified", [name])}
}
`,
	}
}

// floatingPackagePolicy notes packages pinned to the repository's newest version.
func floatingPackagePolicy() Policy {
	return Policy{
		Name:        "floating-package",
		Description: "Notes PackageState resources tracking latest",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package harden.guards.packages

deny contains violation if {
	some r in input.resources
	r.kind == "PackageState"
	r.spec.desired.state == "latest"
	violation := {
		"resource": r.id,
		"message": sprintf("package %s tracks latest and may change between runs", [r.spec.params.name]),
	}
}
`,
	}
}
