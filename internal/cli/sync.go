package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"rentalsync/internal/pipeline"
	"rentalsync/internal/reconcile"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation and write both calendars",
	Long: `Fetches every configured platform, reconciles reservations with the
manual overrides and rewrites the import and master calendars.

Exit status is 2 when no platform could be reached, 3 when the reachable
platforms had no events and 4 when a calendar could not be written.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	cmd.Println("Synchronising calendars...")
	res, err := pipeline.New(cfg, store).Run(commandContext(cmd))
	printSources(cmd, res)
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	cmd.Printf("Reservations: %d (%d duplicates collapsed)\n", res.Reservations, res.Duplicates)
	if len(res.Rejected) > 0 {
		reasons := make([]string, 0, len(res.Rejected))
		for r := range res.Rejected {
			reasons = append(reasons, string(r))
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			cmd.Printf("  rejected %s: %d\n", r, res.Rejected[reconcile.Reason(r)])
		}
	}
	o := res.Overrides
	cmd.Printf("Overrides: %d blocked, %d removed, %d hidden, %d forced, %d injected\n",
		o.Blocked, o.Removed, o.Hidden, o.Forced, o.Injected)
	cmd.Printf("Import calendar: %s (%d events)\n", res.ImportPath, res.ImportEvents)
	cmd.Printf("Master calendar: %s (%d events)\n", res.MasterPath, res.MasterEvents)
	return nil
}

func printSources(cmd *cobra.Command, res pipeline.Result) {
	for _, s := range res.Sources {
		line := fmt.Sprintf("  %-8s %-15s %d events", s.Platform, s.Status, s.Events)
		if s.FromCache {
			line += " (cached)"
		}
		if s.Error != "" {
			line += " - " + s.Error
		}
		cmd.Println(line)
	}
}
