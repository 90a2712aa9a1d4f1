package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/harden/pkg/config"
	"github.com/openfroyo/harden/pkg/engine"
)

// applyOptions are the flags shared by apply and watch.
type applyOptions struct {
	documentOptions

	hosts           []string
	dryRun          bool
	timeout         string
	continueOnError bool
	parallel        int
	tags            []string
	report          string
}

func (o *applyOptions) addFlags(cmd *cobra.Command) {
	o.documentOptions.addFlags(cmd)
	f := cmd.Flags()
	f.StringArrayVar(&o.hosts, "host", nil, `target host: "local" or "chroot:<dir>" (repeatable, default local)`)
	f.BoolVar(&o.dryRun, "dry-run", false, "probe and compare only; report what would change")
	f.StringVar(&o.timeout, "timeout", "", "per-operation time budget in seconds or as a duration (default HARDEN_TIMEOUT)")
	f.BoolVar(&o.continueOnError, "continue-on-error", false, "ignore fatal flags and keep going after failures")
	f.IntVar(&o.parallel, "parallel", 0, "hosts reconciled concurrently (default HARDEN_PARALLEL)")
	f.StringSliceVar(&o.tags, "tags", nil, "only apply resources carrying one of these tags")
	f.StringVar(&o.report, "report", "", `JSON Lines report path ("-" for stdout, the default)`)
}

func newApplyCommand(a *app) *cobra.Command {
	var opts applyOptions

	cmd := &cobra.Command{
		Use:   "apply <policyFile>",
		Short: "Apply a hardening policy to hosts",
		Long: `Apply a policy document to one or more hosts.

This command:
  - Loads and validates the document (YAML, JSON or CUE)
  - Rejects it when a guard rule of error severity fires
  - Reconciles every resource in document order on each host
  - Runs notified handlers once, after all resources
  - Writes one JSON record per resource and handler, then a summary per host

Exit status is 0 when everything converged, 1 when any resource or handler
failed and 2 when the document was rejected or a fatal resource halted a run.`,
		Example: `  # Preview changes on this machine
  harden apply cis.yaml --dry-run

  # Harden an offline image and keep the report
  harden apply cis.yaml --host chroot:/srv/images/base --report base.jsonl

  # Only the ssh resources, with a variable override
  harden apply cis.yaml --tags ssh --var ssh_port=2222`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := a.apply(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			return outcome(code)
		},
	}

	opts.addFlags(cmd)
	return cmd
}

// apply runs one document against every host and returns the worst exit code.
func (a *app) apply(ctx context.Context, path string, o applyOptions) (int, error) {
	doc, _, err := a.prepare(ctx, path, o.documentOptions)
	if err != nil {
		return 0, err
	}

	hosts, err := a.resolveHosts(o.hosts)
	if err != nil {
		return 0, withCode(engine.ExitFatal, err)
	}

	timeout := a.settings.Timeout
	if o.timeout != "" {
		if timeout, err = config.ParseDuration(o.timeout); err != nil {
			return 0, withCode(engine.ExitFatal, fmt.Errorf("invalid --timeout: %w", err))
		}
	}
	parallel := a.settings.Parallel
	if o.parallel > 0 {
		parallel = o.parallel
	}

	coord := engine.NewCoordinator(engine.RunOptions{
		ReconcileOptions: engine.ReconcileOptions{
			DryRun:         o.dryRun,
			Timeout:        timeout,
			SettleRetries:  engine.DefaultSettleRetries,
			SettleInterval: engine.DefaultSettleInterval,
		},
		ContinueOnError: o.continueOnError,
		Tags:            o.tags,
	},
		engine.WithLogger(a.logger),
		engine.WithTracer(a.tel.Tracer.Tracer()),
		engine.WithRecorder(a.tel.Metrics),
	)

	a.logger.Info().
		Int("hosts", len(hosts)).
		Int("parallel", parallel).
		Bool("dry_run", o.dryRun).
		Msg("Applying policy")

	reports := coord.RunFleet(ctx, doc, hosts, parallel)
	code := engine.WorstExitCode(reports)

	if err := a.writeReports(reports, o.report); err != nil {
		a.logger.Error().Err(err).Msg("Failed to write run report")
		code = max(code, engine.ExitFailures)
	}
	a.recordHistory(ctx, doc, reports)
	if err := a.tel.Flush(); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to write metrics")
	}
	return code, nil
}
