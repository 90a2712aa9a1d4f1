package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/harden/pkg/config"
	"github.com/openfroyo/harden/pkg/telemetry"
)

// BuildInfo identifies the binary.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// globalFlags override settings read from the environment.
type globalFlags struct {
	envFile     string
	logLevel    string
	logFormat   string
	stateDB     string
	metricsFile string
	noHistory   bool
}

// app is the state shared by every command of one invocation.
type app struct {
	build    BuildInfo
	flags    globalFlags
	settings config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	stdout   io.Writer
	stderr   io.Writer
}

// Execute runs the root command with args.
func Execute(ctx context.Context, build BuildInfo, args []string, stdout, stderr io.Writer) error {
	a := &app{build: build, stdout: stdout, stderr: stderr, logger: log.Logger}
	rootCmd := newRootCommand(a)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)

	if a.tel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if serr := a.tel.Shutdown(shutdownCtx); serr != nil {
			a.logger.Warn().Err(serr).Msg("Telemetry shutdown failed")
		}
	}
	return err
}

func newRootCommand(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "harden",
		Short: "harden - idempotent host hardening",
		Long: `harden applies a declarative hardening policy to hosts.

Each resource in the policy is probed, compared against its desired state and
mutated only when it differs, so repeated runs converge and then change nothing.

Supported resource kinds:
  - FileAttributes, LineInFile
  - ServiceState, PackageState
  - SysctlValue, MountOption
  - CommandAssertion`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", a.build.Version, a.build.Commit, a.build.BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&a.flags.envFile, "env-file", ".env", "dotenv file with HARDEN_* settings")
	f.StringVar(&a.flags.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides HARDEN_LOG_LEVEL)")
	f.StringVar(&a.flags.logFormat, "log-format", "", "log format: console or json (overrides HARDEN_LOG_FORMAT)")
	f.StringVar(&a.flags.stateDB, "state-db", "", "SQLite run history path (overrides HARDEN_STATE_DB)")
	f.StringVar(&a.flags.metricsFile, "metrics-file", "", "write Prometheus textfile metrics here after each run")
	f.BoolVar(&a.flags.noHistory, "no-history", false, "do not record runs in the history database")

	rootCmd.AddCommand(newApplyCommand(a))
	rootCmd.AddCommand(newValidateCommand(a))
	rootCmd.AddCommand(newWatchCommand(a))
	rootCmd.AddCommand(newHistoryCommand(a))
	rootCmd.AddCommand(newShowCommand(a))

	return rootCmd
}

// setup loads settings, applies flag overrides and starts telemetry.
func (a *app) setup(cmd *cobra.Command) error {
	settings, err := config.LoadSettings(a.flags.envFile)
	if err != nil {
		return withCode(2, fmt.Errorf("failed to load settings: %w", err))
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		settings.LogLevel = a.flags.logLevel
	}
	if flags.Changed("log-format") {
		settings.LogFormat = a.flags.logFormat
	}
	if flags.Changed("state-db") {
		settings.StateDB = a.flags.stateDB
	}
	if flags.Changed("metrics-file") {
		settings.MetricsFile = a.flags.metricsFile
	}
	if a.flags.noHistory {
		settings.StateDB = ""
	}
	if err := settings.Validate(); err != nil {
		return withCode(2, err)
	}
	a.settings = settings

	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = a.build.Version
	cfg.Logging.Level = settings.LogLevel
	cfg.Logging.Format = settings.LogFormat
	cfg.Tracing.Exporter = settings.TraceExporter
	cfg.Tracing.Endpoint = settings.TraceEndpoint
	cfg.Metrics.TextfilePath = settings.MetricsFile

	tel, err := telemetry.New(cmd.Context(), cfg)
	if err != nil {
		return withCode(2, fmt.Errorf("failed to start telemetry: %w", err))
	}
	a.tel = tel
	a.logger = tel.Logger
	log.Logger = tel.Logger

	a.logger.Debug().
		Str("command", cmd.Name()).
		Str("state_db", settings.StateDB).
		Dur("timeout", settings.Timeout).
		Int("parallel", settings.Parallel).
		Msg("Settings loaded")
	return nil
}

// errNoHistory is returned by history commands when the store is disabled.
var errNoHistory = errors.New("run history is disabled: set HARDEN_STATE_DB or --state-db")
