package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	appLog "rentalsync/internal/log"
	"rentalsync/internal/pipeline"
	"rentalsync/internal/scheduler"
	"rentalsync/internal/web"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and reconcile on a schedule",
	Long: `Starts the HTTP API, runs a reconciliation immediately and then on the
configured refresh schedule. With watch_overrides enabled, editing the
override store also triggers a run.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (overrides config if set)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if serveListen != "" {
		cfg.Listen = serveListen
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	runner := pipeline.New(cfg, store)
	opts := scheduler.Options{
		Spec:     cfg.RefreshCron,
		Location: cfg.Location(),
	}
	if cfg.WatchOverrides {
		opts.WatchPath = store.Path()
	}
	sched, err := scheduler.New(func(ctx context.Context) error {
		_, err := runner.Run(ctx)
		return err
	}, opts)
	if err != nil {
		return err
	}

	appLog.Info("rentalsync serving",
		"listen", cfg.Listen,
		"refresh", cfg.RefreshCron,
		"watch_overrides", cfg.WatchOverrides,
		"override_backend", cfg.Overrides.Backend,
	)

	g, ctx := errgroup.WithContext(commandContext(cmd))
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return web.StartServer(ctx, cfg, runner, store) })
	return g.Wait()
}
