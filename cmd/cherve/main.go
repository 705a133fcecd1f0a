package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/cmd/cherve/commands"
	"github.com/cherve/cherve/pkg/engine"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Received interrupt signal, stopping after the current step...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// setupLogging installs a console logger until settings are loaded.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// reportError prints the failing step, the command and the tool's diagnostic.
func reportError(err error) {
	ee, ok := engine.AsEngineError(err)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return
	}

	fmt.Fprintf(os.Stderr, "Error: %s\n", ee.Message)
	if ee.Step != "" {
		fmt.Fprintf(os.Stderr, "  step:    %s\n", ee.Step)
	}
	if len(ee.Argv) > 0 {
		fmt.Fprintf(os.Stderr, "  command: %s (exit %d)\n", strings.Join(ee.Argv, " "), ee.ExitCode)
	}
	if ee.Diagnostic != "" {
		fmt.Fprintf(os.Stderr, "  output:\n")
		for _, line := range strings.Split(strings.TrimRight(ee.Diagnostic, "\n"), "\n") {
			fmt.Fprintf(os.Stderr, "    %s\n", line)
		}
	}
	if ee.Err != nil && len(ee.Argv) == 0 {
		fmt.Fprintf(os.Stderr, "  cause:   %v\n", ee.Err)
	}
}
