// Package cmd wires the edgesync command tree.
package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/koltyakov/edgesync/internal/config"
	"github.com/koltyakov/edgesync/internal/db"
	"github.com/koltyakov/edgesync/internal/logging"
)

// Global flags
var (
	configPath string
	logLevel   string
	logFormat  string
)

// cfg is loaded once before any subcommand runs
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "edgesync",
	Short: "Sync field reports from the source database to Cloudflare D1",
	Long: `edgesync copies check-ins, visit responses and shops from the relational
source database into the D1 edge database and rebuilds the dashboard aggregates.

It also exports every table to local JSON files and migrates inline photos
to R2. Each command runs once and exits; schedule "edgesync sync" from cron.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (YAML or JSON)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}

// Execute runs the command tree with a context cancelled on SIGINT/SIGTERM
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	logging.Init(logging.Config{Level: c.Logging.Level, Format: c.Logging.Format})

	cfg = c
	return nil
}

// openSource connects to the source database and checks the expected tables exist
func openSource(ctx context.Context) (*sql.DB, *db.Reader, error) {
	conn, err := db.Open(ctx, cfg.Source.DSN)
	if err != nil {
		return nil, nil, err
	}

	reader := db.NewReader(conn)
	if err := reader.RequireTables(ctx, db.SourceTables...); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("source database check failed: %w", err)
	}
	return conn, reader, nil
}
