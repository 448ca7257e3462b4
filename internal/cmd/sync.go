package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/koltyakov/edgesync/internal/aggregate"
	"github.com/koltyakov/edgesync/internal/config"
	"github.com/koltyakov/edgesync/internal/d1"
	"github.com/koltyakov/edgesync/internal/logging"
	"github.com/koltyakov/edgesync/internal/metrics"
	"github.com/koltyakov/edgesync/internal/state"
	"github.com/koltyakov/edgesync/internal/sync"
)

// Sync command flags
var (
	syncDryRun          bool
	syncCheckinsWindow  time.Duration
	syncResponsesWindow time.Duration
)

// ErrLocked is returned when another sync holds the lock file
var ErrLocked = errors.New("another sync is already running")

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one incremental sync cycle",
	Long: `Run one incremental sync cycle.

Check-ins and visit responses created within the lookback windows are upserted
into D1 one row per call. Shops missing from D1 are inserted. When any
check-in or response was written, the aggregate tables are rebuilt.

Row failures are logged and counted but never stop the cycle. Source database
errors and aggregate rebuild errors exit with status 1. An aggregate table
whose DELETE fails is left unfilled and also makes the command exit with
status 1.

Examples:
  edgesync sync
  edgesync sync --dry-run --log-level debug
  edgesync sync --checkins-window 6h`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Read and normalize rows without writing to D1")
	syncCmd.Flags().DurationVar(&syncCheckinsWindow, "checkins-window", 0, "Lookback window for check-ins (default from config)")
	syncCmd.Flags().DurationVar(&syncResponsesWindow, "responses-window", 0, "Lookback window for visit responses (default from config)")

	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if cmd.Flags().Changed("dry-run") {
		cfg.Sync.DryRun = syncDryRun
	}
	if syncCheckinsWindow > 0 {
		cfg.Sync.CheckinsWindow = syncCheckinsWindow
	}
	if syncResponsesWindow > 0 {
		cfg.Sync.ResponsesWindow = syncResponsesWindow
	}
	if err := cfg.ValidateSync(); err != nil {
		return err
	}

	if cfg.LockFile != "" {
		unlock, err := acquireLock(cfg.LockFile)
		if err != nil {
			return err
		}
		defer unlock()
	}

	start := time.Now()
	m := metrics.New()

	conn, reader, err := openSource(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var exec d1.Executor = d1.New(d1.Config{
		BaseURL:    cfg.Edge.BaseURL,
		AccountID:  cfg.Edge.AccountID,
		DatabaseID: cfg.Edge.DatabaseID,
		Email:      cfg.Edge.Email,
		APIKey:     cfg.Edge.APIKey,
		Timeout:    cfg.Edge.Timeout,
	})
	if cfg.Edge.Breaker {
		exec = d1.NewBreakerExecutor(exec, d1.BreakerSettings{})
	}

	rebuilder := aggregate.New(reader, exec,
		aggregate.WithHotspots(cfg.Sync.RebuildHotspots),
		aggregate.WithObserver(func(res aggregate.TableResult) {
			m.AggregateRows.WithLabelValues(res.Table).Add(float64(res.Inserted))
		}),
	)

	opts := []sync.Option{sync.WithMetrics(m)}
	var stateDB *state.StateDB
	if cfg.State.Path != "" {
		stateDB, err = state.New(cfg.State.Path)
		if err != nil {
			return err
		}
		defer stateDB.Close()
		opts = append(opts, sync.WithRecorder(stateDB))
	}

	syncer := sync.New(sync.Config{
		CheckinsWindow:  cfg.Sync.CheckinsWindow,
		ResponsesWindow: cfg.Sync.ResponsesWindow,
		DryRun:          cfg.Sync.DryRun,
	}, reader, exec, rebuilder, opts...)

	result, runErr := syncer.Run(ctx)
	m.ObserveRun(start, runErr)

	if result != nil {
		printCycle(result)
	}
	if stateDB != nil {
		pruneLogs(ctx, cfg, stateDB)
	}
	pushMetrics(ctx, cfg, m, "sync")

	return runErr
}

// acquireLock takes an exclusive lock on path without waiting
func acquireLock(path string) (func(), error) {
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrLocked, path)
	}
	return func() { _ = lock.Unlock() }, nil
}

func printCycle(result *sync.CycleResult) {
	for _, e := range result.Entities {
		if e.DryRun {
			fmt.Printf("%-16s %d would sync\n", e.Entity, e.Candidates)
			continue
		}
		fmt.Printf("%-16s %d synced, %d failed\n", e.Entity, e.Synced(), e.Failed())
	}
	for _, a := range result.Aggregates {
		status := "ok"
		if a.Err != nil {
			status = a.Err.Error()
		}
		fmt.Printf("%-20s %d inserted, %d failed (%s)\n", a.Table, a.Inserted, a.Failed, status)
	}
}

func pruneLogs(ctx context.Context, c *config.Config, stateDB *state.StateDB) {
	if c.State.RetentionDays <= 0 {
		return
	}
	removed, err := stateDB.CleanupOldLogs(ctx, c.State.RetentionDays)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to prune run log")
		return
	}
	if removed > 0 {
		logging.Debug().Int64("removed", removed).Msg("Pruned run log")
	}
}

func pushMetrics(ctx context.Context, c *config.Config, m *metrics.Metrics, command string) {
	if err := m.Push(ctx, c.Metrics.PushURL, c.Metrics.Job, command); err != nil {
		logging.Warn().Err(err).Msg("Metrics push failed")
	}
}
