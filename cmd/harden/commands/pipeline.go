package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/harden/pkg/config"
	"github.com/openfroyo/harden/pkg/engine"
	"github.com/openfroyo/harden/pkg/hosts/local"
	"github.com/openfroyo/harden/pkg/policy"
	"github.com/openfroyo/harden/pkg/stores"
)

// documentOptions control how a policy document is loaded and guarded.
type documentOptions struct {
	vars          []string
	guards        []string
	disableGuards []string
}

func (o *documentOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&o.vars, "var", nil, "override a document variable (key=value, repeatable)")
	cmd.Flags().StringArrayVar(&o.guards, "guard", nil, "extra guard rules (.rego/.json file or directory, repeatable)")
	cmd.Flags().StringArrayVar(&o.disableGuards, "disable-guard", nil, "disable a guard rule by name (repeatable)")
}

// prepare loads the document and evaluates the guard rules. Rejections
// exit 2 before any host is contacted.
func (a *app) prepare(ctx context.Context, path string, o documentOptions) (*engine.Document, *policy.Result, error) {
	vars, err := parseVars(o.vars)
	if err != nil {
		return nil, nil, withCode(engine.ExitFatal, err)
	}

	doc, err := config.NewLoader(config.WithVars(vars)).LoadFile(path)
	if err != nil {
		return nil, nil, withCode(engine.ExitFatal, err)
	}

	guards, err := policy.NewEngine(ctx, a.logger)
	if err != nil {
		return nil, nil, withCode(engine.ExitFatal, err)
	}
	if len(o.guards) > 0 {
		if err := guards.LoadPolicies(ctx, o.guards); err != nil {
			return nil, nil, withCode(engine.ExitFatal, err)
		}
	}
	for _, name := range o.disableGuards {
		if err := guards.DisablePolicy(name); err != nil {
			return nil, nil, withCode(engine.ExitFatal, err)
		}
	}

	result, err := guards.Evaluate(ctx, doc)
	if err != nil {
		return nil, nil, withCode(engine.ExitFatal, err)
	}
	for _, v := range result.Advisory() {
		a.logger.Warn().
			Str("policy", v.Policy).
			Str("resource", v.Resource).
			Str("severity", string(v.Severity)).
			Msg(v.Message)
	}
	if err := result.Err(); err != nil {
		return nil, result, withCode(engine.ExitFatal, err)
	}

	a.logger.Info().
		Str("document", doc.Source).
		Str("digest", shortDigest(doc.Digest)).
		Int("resources", len(doc.Resources)).
		Int("handlers", len(doc.Handlers)).
		Msg("Document loaded")
	return doc, result, nil
}

// resolveHosts parses --host targets. Each target may appear once.
func (a *app) resolveHosts(targets []string) ([]engine.Host, error) {
	if len(targets) == 0 {
		targets = []string{local.TargetLocal}
	}
	seen := make(map[string]bool, len(targets))
	hosts := make([]engine.Host, 0, len(targets))
	for _, t := range targets {
		h, err := local.Parse(t, local.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		if seen[h.Name()] {
			return nil, fmt.Errorf("host %s given more than once", h.Name())
		}
		seen[h.Name()] = true
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// writeReports writes the JSON Lines records to the report sink and the
// per-host summaries to stdout.
func (a *app) writeReports(reports []*engine.RunReport, sink string) error {
	var w io.Writer = a.stdout
	if sink != "" && sink != "-" {
		f, err := os.OpenFile(sink, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
		if err != nil {
			return fmt.Errorf("failed to open report file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if err := engine.WriteJSONL(w, reports...); err != nil {
		return err
	}
	for _, r := range reports {
		if _, err := fmt.Fprintln(a.stdout, r.SummaryLine()); err != nil {
			return err
		}
	}
	return nil
}

// recordHistory stores the reports when history is enabled. Failures are
// logged; they never change the run outcome.
func (a *app) recordHistory(ctx context.Context, doc *engine.Document, reports []*engine.RunReport) {
	if a.settings.StateDB == "" {
		return
	}
	store, err := a.openHistory(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Str("path", a.settings.StateDB).Msg("Run history unavailable")
		return
	}
	defer store.Close()

	for _, r := range reports {
		if err := store.SaveReport(context.WithoutCancel(ctx), r, doc.Source, doc.Digest); err != nil {
			a.logger.Warn().Err(err).Str("run_id", r.RunID).Msg("Failed to record run")
		}
	}
}

// openHistory opens and migrates the history database and checks that it
// answers before any command relies on it.
func (a *app) openHistory(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.settings.StateDB == "" {
		return nil, errNoHistory
	}
	store, err := stores.Open(ctx, a.settings.StateDB)
	if err != nil {
		return nil, err
	}
	if err := store.HealthCheck(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("history database %s: %w", a.settings.StateDB, err)
	}
	return store, nil
}

// parseVars turns key=value pairs into a map.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q: want key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
