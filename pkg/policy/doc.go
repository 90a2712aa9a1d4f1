// Package policy evaluates Open Policy Agent (Rego) guard rules against a
// loaded hardening document before any host is contacted.
//
// Each policy is a Rego module whose "deny" set lists violations. A member is
// either a message string or an object with "message" and optional "resource"
// and "severity" keys. The query is derived from the module's package path, so
// a module declaring "package site.guards" is evaluated as
// data.site.guards.deny.
//
// The input document is the JSON form of engine.Document:
//
//	{
//	  "name": "baseline",
//	  "resources": [{"id": "...", "kind": "LineInFile", "spec": {"params": {...}, "desired": {...}}, "notify": [...]}],
//	  "handlers": {"restart-sshd": {"name": "restart-sshd", "action": {...}}}
//	}
//
// Built-in policies:
//
//   - sshd-root-login (error): a LineInFile that sets PermitRootLogin yes
//   - world-writable (warning): a FileAttributes mode writable by others
//   - unused-handler (warning): a handler no resource notifies
//   - floating-package (info): a PackageState tracking latest
//
// Any error-severity violation rejects the document; Result.Err turns it into
// an engine SchemaError. Custom policies are loaded from .rego files (name from
// the file name, default severity error, overridable with a leading
// "# severity: warning" comment) or from JSON policy definitions.
//
// Usage:
//
//	guards, err := policy.NewEngine(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := guards.LoadPolicies(ctx, []string{"site-guards/"}); err != nil {
//	    return err
//	}
//	result, err := guards.Evaluate(ctx, doc)
//	if err != nil {
//	    return err
//	}
//	if err := result.Err(); err != nil {
//	    return err // rejected
//	}
package policy
