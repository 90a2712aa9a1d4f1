package commands

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/openfroyo/harden/pkg/config"
	"github.com/openfroyo/harden/pkg/stores"
)

func newHistoryCommand(a *app) *cobra.Command {
	var (
		host        string
		limit       int
		asJSON      bool
		pruneBefore string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List runs recorded in the history database, newest first.

Use --prune-before to delete runs older than a given age.`,
		Example: `  # Last 20 runs
  harden history

  # Runs against one image, as JSON
  harden history --host chroot:/srv/images/base --json

  # Drop runs older than 90 days
  harden history --prune-before 2160h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			if pruneBefore != "" {
				age, err := config.ParseDuration(pruneBefore)
				if err != nil {
					return fmt.Errorf("invalid --prune-before: %w", err)
				}
				n, err := store.PruneRuns(ctx, time.Now().Add(-age))
				if err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "pruned %d runs\n", n)
				return nil
			}

			runs, err := store.ListRuns(ctx, stores.RunFilter{Host: host, Limit: limit})
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				for _, r := range runs {
					if err := enc.Encode(r); err != nil {
						return err
					}
				}
				return nil
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN ID\tHOST\tSTARTED\tEXIT\tCHANGED\tFAILED\tSKIPPED\tPOLICY")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
					r.ID, r.Host, humanize.Time(r.StartedAt), r.ExitCode,
					r.Summary.Changed, r.Summary.Failed, r.Summary.Skipped, r.Policy)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&host, "host", "", "only runs against this host")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per run")
	cmd.Flags().StringVar(&pruneBefore, "prune-before", "", "delete runs older than this age instead of listing")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	var (
		asJSON bool
		last   bool
		host   string
	)

	cmd := &cobra.Command{
		Use:   "show [runID]",
		Short: "Show the records of a recorded run",
		Example: `  # One run by ID
  harden show 0b6f3c52-5d7e-4f0e-9d55-3f1f7e4a2c11

  # The newest run against an image
  harden show --last --host chroot:/srv/images/base`,
		Args: func(cmd *cobra.Command, args []string) error {
			if last {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openHistory(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var runID string
			if last {
				run, err := store.LastRun(ctx, host)
				if err != nil {
					return err
				}
				runID = run.ID
			} else {
				runID = args[0]
			}

			detail, err := store.GetRun(ctx, runID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(detail)
			}

			run := detail.Run
			fmt.Fprintf(a.stdout, "run %s on %s\n", run.ID, run.Host)
			fmt.Fprintf(a.stdout, "policy %s (%s) digest %s\n", run.Policy, run.Source, shortDigest(run.Digest))
			fmt.Fprintf(a.stdout, "started %s, took %s, exit %d\n",
				run.StartedAt.Local().Format(time.RFC3339), run.Duration, run.ExitCode)
			if run.HaltedBy != "" {
				fmt.Fprintf(a.stdout, "halted by %s\n", run.HaltedBy)
			}
			if run.Cancelled {
				fmt.Fprintln(a.stdout, "cancelled")
			}

			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nTYPE\tID\tKIND\tSTATUS\tDETAIL")
			for _, rec := range detail.Records {
				detailText := rec.Message
				if rec.Error != "" {
					detailText = rec.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.Type, rec.ID, rec.Kind, rec.Status, detailText)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run as JSON")
	cmd.Flags().BoolVar(&last, "last", false, "show the newest run instead of one by ID")
	cmd.Flags().StringVar(&host, "host", "", "with --last, only runs against this host")
	return cmd
}
