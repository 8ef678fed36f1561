package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"rentalsync/internal/config"
	"rentalsync/internal/model"
	"rentalsync/internal/override"
)

var overrideCmd = &cobra.Command{
	Use:     "override",
	Aliases: []string{"overrides"},
	Short:   "Manage manual overrides",
	Long: `Create, list, edit and delete manual overrides, and block or unblock
individual synced events by UID. Overrides take effect on the next run.

Override types:
  BLOCK_DATE          mark dates as unavailable
  REMOVE_DATE         drop every event overlapping the dates
  HIDE_EVENT          make events titled exactly like the override private
  FORCE_AVAILABILITY  mark events starting on the date as free`,
}

var overrideAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an override",
	Args:  cobra.NoArgs,
	RunE:  runOverrideAdd,
}

var overrideListCmd = &cobra.Command{
	Use:   "list",
	Short: "List overrides",
	Args:  cobra.NoArgs,
	RunE:  runOverrideList,
}

var overrideGetCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "Show one override",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideGet,
}

var overrideUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Change fields of an override",
	Long:  `Only the flags given are changed; the result is validated like a new override.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideUpdate,
}

var overrideRmCmd = &cobra.Command{
	Use:     "rm [id]",
	Aliases: []string{"delete"},
	Short:   "Delete an override",
	Args:    cobra.ExactArgs(1),
	RunE:    runOverrideRm,
}

var overrideBlockCmd = &cobra.Command{
	Use:   "block [uid]",
	Short: "Drop a synced event from the master calendar by UID",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideBlock,
}

var overrideUnblockCmd = &cobra.Command{
	Use:   "unblock [uid]",
	Short: "Remove a UID from the block list",
	Args:  cobra.ExactArgs(1),
	RunE:  runOverrideUnblock,
}

var overrideExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export overrides as a calendar document",
	Long: `Writes every override and blocked UID as a calendar that the "ics"
override backend can read.`,
	Args: cobra.NoArgs,
	RunE: runOverrideExport,
}

var overrideStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show override counts",
	Args:  cobra.NoArgs,
	RunE:  runOverrideStats,
}

// overrideFlags holds the field flags shared by add and update.
type overrideFlags struct {
	typ         string
	title       string
	description string
	start       string
	end         string
}

var (
	addFlags    overrideFlags
	updateFlags overrideFlags

	listType   string
	listDate   string
	listFormat string

	exportOutput string
)

func (f *overrideFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.typ, "type", "t", "", "Override type (BLOCK_DATE, REMOVE_DATE, HIDE_EVENT, FORCE_AVAILABILITY)")
	cmd.Flags().StringVar(&f.title, "title", "", "Title; HIDE_EVENT matches it against event summaries")
	cmd.Flags().StringVar(&f.description, "description", "", "Free-form description")
	cmd.Flags().StringVar(&f.start, "start", "", "First date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.end, "end", "", "End date, exclusive (YYYY-MM-DD); empty means a single day")
}

func init() {
	addFlags.register(overrideAddCmd)
	updateFlags.register(overrideUpdateCmd)

	overrideListCmd.Flags().StringVarP(&listType, "type", "t", "", "Only overrides of this type")
	overrideListCmd.Flags().StringVar(&listDate, "date", "", "Only overrides covering this date")
	overrideListCmd.Flags().StringVarP(&listFormat, "output", "o", "text", "Output format: text, json or yaml")

	overrideExportCmd.Flags().StringVarP(&exportOutput, "file", "f", "", "Write to file instead of stdout")

	overrideCmd.AddCommand(overrideAddCmd)
	overrideCmd.AddCommand(overrideListCmd)
	overrideCmd.AddCommand(overrideGetCmd)
	overrideCmd.AddCommand(overrideUpdateCmd)
	overrideCmd.AddCommand(overrideRmCmd)
	overrideCmd.AddCommand(overrideBlockCmd)
	overrideCmd.AddCommand(overrideUnblockCmd)
	overrideCmd.AddCommand(overrideExportCmd)
	overrideCmd.AddCommand(overrideStatsCmd)
	rootCmd.AddCommand(overrideCmd)
}

func runOverrideAdd(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	o, err := store.Create(commandContext(cmd), override.Input{
		Type:        model.OverrideType(strings.ToUpper(addFlags.typ)),
		Title:       addFlags.title,
		Description: addFlags.description,
		DateStart:   addFlags.start,
		DateEnd:     addFlags.end,
	})
	if err != nil {
		return fmt.Errorf("failed to create override: %w", err)
	}

	cmd.Printf("Created override %s\n", o.ID)
	printOverride(cmd, o)
	return nil
}

func runOverrideList(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.List(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("failed to list overrides: %w", err)
	}
	if listType != "" {
		typ := model.OverrideType(strings.ToUpper(listType))
		if !typ.Valid() {
			return fmt.Errorf("unknown override type %q", listType)
		}
		list = override.ByType(list, typ)
	}
	if listDate != "" {
		day, err := model.ParseDate(listDate)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		list = override.OnDate(list, day)
	}

	switch listFormat {
	case "json":
		data, err := json.MarshalIndent(list, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(data))
		return nil
	case "yaml":
		data, err := yaml.Marshal(list)
		if err != nil {
			return err
		}
		cmd.Print(string(data))
		return nil
	case "text", "":
	default:
		return fmt.Errorf("unknown output format %q", listFormat)
	}

	if len(list) == 0 {
		cmd.Println("No overrides found.")
		return nil
	}
	for _, o := range list {
		printOverride(cmd, o)
		cmd.Println()
	}
	cmd.Printf("Total: %d overrides\n", len(list))
	return nil
}

func runOverrideGet(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	o, err := store.Get(commandContext(cmd), args[0])
	if err != nil {
		return err
	}
	printOverride(cmd, o)
	return nil
}

func runOverrideUpdate(cmd *cobra.Command, args []string) error {
	var p override.Patch
	flags := cmd.Flags()
	if flags.Changed("type") {
		t := model.OverrideType(strings.ToUpper(updateFlags.typ))
		p.Type = &t
	}
	if flags.Changed("title") {
		p.Title = &updateFlags.title
	}
	if flags.Changed("description") {
		p.Description = &updateFlags.description
	}
	if flags.Changed("start") {
		p.DateStart = &updateFlags.start
	}
	if flags.Changed("end") {
		p.DateEnd = &updateFlags.end
	}
	if p == (override.Patch{}) {
		return errors.New("nothing to update: pass at least one of --type, --title, --description, --start, --end")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	o, err := store.Update(commandContext(cmd), args[0], p)
	if err != nil {
		return fmt.Errorf("failed to update override: %w", err)
	}

	cmd.Printf("Updated override %s\n", o.ID)
	printOverride(cmd, o)
	return nil
}

func runOverrideRm(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Delete(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	cmd.Printf("Deleted override %s\n", args[0])
	return nil
}

func runOverrideBlock(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.BlockUID(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("failed to block uid: %w", err)
	}
	cmd.Printf("Blocked %s\n", model.NormalizeUID(args[0]))
	return nil
}

func runOverrideUnblock(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.UnblockUID(commandContext(cmd), args[0]); err != nil {
		return fmt.Errorf("failed to unblock uid: %w", err)
	}
	cmd.Printf("Unblocked %s\n", model.NormalizeUID(args[0]))
	return nil
}

func runOverrideExport(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Snapshot(commandContext(cmd))
	if err != nil {
		return err
	}
	body := override.ExportCalendar(snap)

	if exportOutput == "" {
		cmd.Print(string(body))
		return nil
	}
	if err := config.WriteFileAtomic(exportOutput, body, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", exportOutput, err)
	}
	cmd.Printf("Exported %d overrides and %d blocked UIDs to %s\n",
		len(snap.Overrides), len(snap.BlockedUIDs), exportOutput)
	return nil
}

func runOverrideStats(cmd *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Snapshot(commandContext(cmd))
	if err != nil {
		return err
	}
	st := override.Summarize(snap)

	cmd.Printf("Store: %s (%s)\n", store.Path(), cfg.Overrides.Backend)
	cmd.Printf("Total overrides: %d\n", st.Total)
	for _, t := range model.OverrideTypes {
		cmd.Printf("  %-18s %d\n", t, st.ByType[t])
	}
	cmd.Printf("Blocked UIDs: %d\n", st.BlockedUIDs)
	if st.LastModified != nil {
		cmd.Printf("Last modified: %s\n", st.LastModified.Format("2006-01-02 15:04:05 MST"))
	}
	return nil
}

func printOverride(cmd *cobra.Command, o model.Override) {
	cmd.Printf("  %s\n", o.ID)
	cmd.Printf("    Type: %s\n", o.Type)
	cmd.Printf("    Title: %s\n", o.Title)
	if o.Description != "" {
		cmd.Printf("    Description: %s\n", o.Description)
	}
	if o.DateStart != "" {
		if o.DateEnd != "" {
			cmd.Printf("    Dates: %s to %s\n", o.DateStart, o.DateEnd)
		} else {
			cmd.Printf("    Date: %s\n", o.DateStart)
		}
	}
}
