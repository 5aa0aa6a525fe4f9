// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Command meshstore inspects and maintains mesh node stores: local
// SQLite stores and streaming datasets.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/meshstore/cmd/meshstore/cli"
	"github.com/bureau-foundation/meshstore/lib/config"
	"github.com/bureau-foundation/meshstore/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// app carries the global options into the commands.
type app struct {
	stdout io.Writer
	stderr io.Writer
	config *config.Config
	logger *slog.Logger
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr *os.File) error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("meshstore", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&configPath, "config", "", "configuration file (default $"+config.EnvVar+", else built-in defaults)")
	flagSet.StringVar(&logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.Flags = func() *pflag.FlagSet { return flagSet }
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			root.PrintHelp(stderr)
			return nil
		}
		return fmt.Errorf("%w\n\nRun 'meshstore --help' for usage.", err)
	}
	if showVersion {
		fmt.Fprintln(stdout, version.Full())
		return nil
	}

	level, err := cli.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	if a.config, err = loadConfig(configPath); err != nil {
		return err
	}
	a.logger = cli.NewLogger(stderr, level)
	return root.Execute(ctx, flagSet.Args(), stderr)
}

// loadConfig reads path, or the file named by the environment, or
// falls back to the defaults when neither is set.
func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.LoadFile(path)
	case os.Getenv(config.EnvVar) != "":
		cfg, err = config.Load()
	default:
		cfg = config.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}
