// Package engine provides the idempotent host-state reconciliation engine.
//
// # Overview
//
// A policy Document is an ordered list of Resources, each a desired-state
// assertion about one host object, plus named Handlers. A run walks the list
// once per host:
//
//  1. Probe - read the current state through the Host collaborator (read-only)
//  2. Compare - kind-specific equality against the desired value
//  3. Apply - the minimal mutation, only when the object has drifted
//  4. Re-probe - confirm convergence, with backoff while the host settles
//  5. Handlers - fire each notified handler exactly once after the pass
//
// # Resource Kinds
//
// The set of kinds is closed. Each kind has its own Spec type:
//
//   - PackageState: PackageSpec (install, remove, upgrade, version constraint)
//   - ServiceState: ServiceSpec (running and enabled flags)
//   - FileAttributes: FileSpec (owner, group, octal mode)
//   - LineInFile: LineSpec (replace last match in place, else append)
//   - MountOption: MountSpec (remount options, optionally persisted to fstab)
//   - SysctlValue: SysctlSpec (runtime value, optionally persisted to sysctl.d)
//   - CommandAssertion: CommandSpec (read-only precondition, never mutates)
//
// # Host Interface
//
// The engine never talks to the operating system directly:
//
//	type Host interface {
//	    ReadFile(ctx context.Context, path string) ([]byte, error)
//	    WriteFile(ctx context.Context, path string, data []byte, mode uint32) error
//	    SetOwnerMode(ctx context.Context, path, owner, group string, mode uint32) error
//	    ServiceStatus(ctx context.Context, name string) (ServiceStatus, error)
//	    RunCommand(ctx context.Context, cmd Command) (CommandResult, error)
//	    ...
//	}
//
// Absent objects are reported with fs.ErrNotExist and are a valid state, not a
// probe failure. Capabilities a backend cannot provide wrap errors.ErrUnsupported.
//
// # Error Classification
//
// Errors are classified so reports can explain every failure:
//
//   - Schema: malformed document, rejected before any host contact
//   - Probe: current state could not be read
//   - Mutation: a change failed or the re-probe still disagrees
//   - Timeout: a probe or mutation exceeded its budget
//   - Assertion: a CommandAssertion precondition is violated
//   - Handler: a deferred handler failed; recorded, never retried
//
// # Example Usage
//
//	coord := engine.NewCoordinator(engine.RunOptions{
//	    ReconcileOptions: engine.ReconcileOptions{Timeout: 30 * time.Second},
//	})
//	report := coord.Run(ctx, doc, host)
//	os.Exit(report.ExitCode())
//
// # Thread Safety
//
// A Document is read-only once loaded and may be shared by concurrent runs.
// Each run exclusively owns its RunReport; ExecutionResults are values and are
// never modified once recorded.
package engine
