package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/koltyakov/edgesync/internal/state"
	"github.com/koltyakov/edgesync/internal/sync"
)

// History command flags
var (
	historyEntity string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs from the local state database",
	Long: `Show recent entries of the local sync run log, newest first, followed by
the last time each entity synced without row failures.

Examples:
  edgesync history
  edgesync history --entity checkins --limit 5`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyEntity, "entity", "", "Only show one entity (checkins, visit_responses, shops)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum entries to show")

	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if cfg.State.Path == "" {
		return errors.New("state tracking is disabled (state.path is empty)")
	}

	stateDB, err := state.New(cfg.State.Path)
	if err != nil {
		return err
	}
	defer stateDB.Close()

	out := cmd.OutOrStdout()
	if err := printHistory(cmd.Context(), out, stateDB); err != nil {
		return err
	}
	return printLastSync(cmd.Context(), out, stateDB)
}

func printHistory(ctx context.Context, out io.Writer, stateDB *state.StateDB) error {
	entries, err := stateDB.GetSyncHistory(ctx, historyEntity, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No sync runs recorded")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tENTITY\tTYPE\tSTATUS\tROWS\tFAILED\tRUN\tERROR")
	for _, e := range entries {
		errMsg := ""
		if e.ErrorMessage != nil {
			errMsg = *e.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			e.StartTime.Local().Format("2006-01-02 15:04:05"),
			e.TableName, e.SyncType, e.Status, e.RowsProcessed, e.RowsFailed, shortID(e.RunID), errMsg)
	}
	return w.Flush()
}

// printLastSync lists the last clean sync per entity, honoring --entity
func printLastSync(ctx context.Context, out io.Writer, stateDB *state.StateDB) error {
	entities := []string{sync.EntityCheckins, sync.EntityVisitResponses, sync.EntityShops}
	if historyEntity != "" {
		entities = []string{historyEntity}
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ENTITY\tLAST CLEAN SYNC")
	for _, entity := range entities {
		last, err := stateDB.GetLastSync(ctx, entity)
		if err != nil {
			return fmt.Errorf("failed to read last sync for %s: %w", entity, err)
		}
		when := "never"
		if !last.IsZero() {
			when = last.Local().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\n", entity, when)
	}
	return w.Flush()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
