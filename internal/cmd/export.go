package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/koltyakov/edgesync/internal/export"
	"github.com/koltyakov/edgesync/internal/metrics"
)

// Export command flags
var (
	exportOut string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export every table and aggregate to JSON files",
	Long: `Export shops, check-ins (photos included), visit responses and the
aggregate tables from the source database to one JSON file each.

Examples:
  edgesync export
  edgesync export --out /tmp/snapshot`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output directory (default from config, \"data\")")

	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if exportOut != "" {
		cfg.Export.Dir = exportOut
	}
	if err := cfg.ValidateExport(); err != nil {
		return err
	}

	start := time.Now()
	m := metrics.New()

	conn, reader, err := openSource(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	files, runErr := export.New(reader, cfg.Export.Dir).Run(ctx)
	m.ObserveRun(start, runErr)
	pushMetrics(ctx, cfg, m, "export")
	if runErr != nil {
		return runErr
	}

	for _, f := range files {
		fmt.Printf("%-22s %6d rows  %s\n", f.Name, f.Count, f.Path)
	}
	return nil
}
