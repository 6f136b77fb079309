package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mandelcache/mandelcache/cmd/mandelcache/commands"
	"github.com/mandelcache/mandelcache/pkg/config"
	"github.com/mandelcache/mandelcache/pkg/engine"
	"github.com/mandelcache/mandelcache/pkg/telemetry"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Exit codes beyond plain failure, so scripts driving long refinements can tell an
// interrupted generation from a rejected one.
const (
	exitFailure   = 1
	exitDenied    = 3
	exitCancelled = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	setupLogging(os.Getenv(config.EnvLogLevel))

	// The first interrupt cancels the running generation and nothing partial is
	// committed to the cache. A second one kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if ctx.Err() != nil {
		log.Info().Msg("Interrupted, the current generation was abandoned")
		if err == nil {
			return exitCancelled
		}
	}

	code := exitCode(err)
	if code != 0 {
		log.Error().Err(err).Int("exit_code", code).Msg("mandelcache failed")
	}
	return code
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case engine.IsPolicyDenied(err):
		return exitDenied
	case engine.IsCancelled(err):
		return exitCancelled
	default:
		return exitFailure
	}
}

// setupLogging writes console logs to stderr until the loaded configuration applies
// its own level.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(telemetry.ParseLevel(level))
}
