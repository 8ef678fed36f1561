// Package cli implements the rentalsync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"rentalsync/internal/config"
	appLog "rentalsync/internal/log"
	"rentalsync/internal/override"
	"rentalsync/internal/pipeline"
)

const defaultConfigPath = "./config.yaml"

// Exit codes of the rentalsync binary.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitNoSources = 2
	ExitNoEvents  = 3
	ExitWrite     = 4
)

var (
	configPath string
	logLevel   string

	// cfg is loaded once per invocation, before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "rentalsync",
	Short: "Merge rental platform calendars into one master calendar",
	Long: `rentalsync fetches the Airbnb, Booking and VRBO calendar exports of a
property, removes duplicate bookings, adds prep-time buffers around every
reservation, applies manual overrides and writes an import calendar and a
master calendar.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn or error")
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	appLog.SetLevel(appLog.Level(strings.ToUpper(logLevel)))

	c, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config %s: %w", configPath, err)
	}
	cfg = c
	appLog.Debug("effective config",
		"config_path", configPath,
		"timezone", cfg.Timezone,
		"output_dir", cfg.OutputDir,
		"override_backend", cfg.Overrides.Backend,
		"override_path", cfg.Overrides.Path,
	)
	return nil
}

// Execute runs the root command.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with ctx available to subcommands.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, pipeline.ErrNoSources):
		return ExitNoSources
	case errors.Is(err, pipeline.ErrNoEvents):
		return ExitNoEvents
	case errors.Is(err, pipeline.ErrWrite):
		return ExitWrite
	}
	return ExitFailure
}

// openStore opens the configured override backend.
func openStore() (override.Store, error) {
	store, err := override.Open(cfg.Overrides)
	if err != nil {
		return nil, fmt.Errorf("opening override store: %w", err)
	}
	return store, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
