package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"rentalsync/internal/cli"
	appLog "rentalsync/internal/log"
)

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cli.ExecuteContext(ctx)
	stop()
	if err != nil {
		if ctx.Err() != nil {
			appLog.Info("interrupted, shutting down")
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	appLog.Sync()
	os.Exit(cli.ExitCode(err))
}
