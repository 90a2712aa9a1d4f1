package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/harden/cmd/harden/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	// Until settings are loaded, log to stderr at info level.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	build := commands.BuildInfo{Version: Version, Commit: Commit, BuildDate: BuildDate}
	err := commands.Execute(ctx, build, os.Args[1:], os.Stdout, os.Stderr)
	if err != nil && !commands.IsQuiet(err) {
		log.Error().Err(err).Msg("Command execution failed")
	}
	stop()
	os.Exit(commands.ExitCode(err))
}
