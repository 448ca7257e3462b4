// Package sync runs one incremental cycle from the source database to the
// edge database.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/koltyakov/edgesync/internal/aggregate"
	"github.com/koltyakov/edgesync/internal/d1"
	"github.com/koltyakov/edgesync/internal/logging"
	"github.com/koltyakov/edgesync/internal/metrics"
	"github.com/koltyakov/edgesync/internal/model"
	"github.com/koltyakov/edgesync/internal/normalize"
	"github.com/koltyakov/edgesync/internal/state"
	"github.com/koltyakov/edgesync/internal/table"
)

// Entity names, also used as state and metric labels
const (
	EntityCheckins       = "checkins"
	EntityVisitResponses = "visit_responses"
	EntityShops          = "shops"
)

// Source reads the rows eligible for sync
type Source interface {
	Checkins(ctx context.Context, since time.Time) ([]model.Checkin, error)
	VisitResponses(ctx context.Context, since time.Time) ([]model.VisitResponse, error)
	Shops(ctx context.Context) ([]model.Shop, error)
}

// Rebuilder recomputes the derived tables
type Rebuilder interface {
	Rebuild(ctx context.Context) ([]aggregate.TableResult, error)
}

// Recorder persists run history; *state.StateDB implements it
type Recorder interface {
	LogSyncStart(ctx context.Context, runID, tableName, syncType string) (int64, error)
	LogSyncEnd(ctx context.Context, logID int64, rowsProcessed, rowsFailed int, status string, errorMessage string) error
	SetLastSync(ctx context.Context, tableName string, timestamp time.Time) error
}

// Config controls one cycle
type Config struct {
	CheckinsWindow  time.Duration
	ResponsesWindow time.Duration
	DryRun          bool
}

// EntityResult reports the sync of one entity
type EntityResult struct {
	Entity     string
	Candidates int
	Outcomes   []d1.Outcome
	DryRun     bool
}

// Synced returns how many rows were written
func (r EntityResult) Synced() int {
	ok, _ := d1.Counts(r.Outcomes)
	return ok
}

// Failed returns how many rows could not be written
func (r EntityResult) Failed() int {
	_, failed := d1.Counts(r.Outcomes)
	return failed
}

// CycleResult reports a whole cycle
type CycleResult struct {
	RunID      string
	Started    time.Time
	Entities   []EntityResult
	Rebuilt    bool
	Aggregates []aggregate.TableResult
}

// Entity returns the result for one entity
func (c *CycleResult) Entity(name string) (EntityResult, bool) {
	for _, e := range c.Entities {
		if e.Entity == name {
			return e, true
		}
	}
	return EntityResult{}, false
}

// Syncer runs sync cycles
type Syncer struct {
	cfg       Config
	source    Source
	exec      d1.Executor
	rebuilder Rebuilder
	recorder  Recorder
	metrics   *metrics.Metrics
	now       func() time.Time
}

// Option customizes a Syncer
type Option func(*Syncer)

// WithRecorder records every entity sync in the run log
func WithRecorder(r Recorder) Option {
	return func(s *Syncer) { s.recorder = r }
}

// WithMetrics counts synced and failed rows
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Syncer) { s.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a new Syncer
func New(cfg Config, source Source, exec d1.Executor, rebuilder Rebuilder, opts ...Option) *Syncer {
	s := &Syncer{
		cfg:       cfg,
		source:    source,
		exec:      exec,
		rebuilder: rebuilder,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one cycle: check-ins, visit responses, shops, then the
// aggregate rebuild when any check-in or response was written. A source
// read failure aborts the cycle; per-row write failures never do.
func (s *Syncer) Run(ctx context.Context) (*CycleResult, error) {
	start := s.now()
	result := &CycleResult{RunID: uuid.NewString(), Started: start}
	log := logging.With("sync").With().Str("run_id", result.RunID).Logger()

	if s.cfg.DryRun {
		log.Info().Msg("Dry run, no rows will be written")
	}

	steps := []struct {
		entity   string
		syncType string
		run      func(context.Context, time.Time) (EntityResult, error)
	}{
		{EntityCheckins, "incremental", s.syncCheckins},
		{EntityVisitResponses, "incremental", s.syncVisitResponses},
		{EntityShops, "diff", s.syncShops},
	}

	for _, step := range steps {
		logID := s.logStart(ctx, result.RunID, step.entity, step.syncType)

		res, err := step.run(ctx, start)
		if err != nil {
			s.logEnd(ctx, logID, res, err)
			return result, fmt.Errorf("failed to sync %s: %w", step.entity, err)
		}
		s.logEnd(ctx, logID, res, nil)
		s.count(res)

		if res.Failed() == 0 && !res.DryRun {
			s.setLastSync(ctx, step.entity, start)
		}

		result.Entities = append(result.Entities, res)
		log.Info().
			Str("entity", step.entity).
			Int("candidates", res.Candidates).
			Int("synced", res.Synced()).
			Int("failed", res.Failed()).
			Msg("Entity synced")
	}

	checkins, _ := result.Entity(EntityCheckins)
	responses, _ := result.Entity(EntityVisitResponses)
	if s.cfg.DryRun || checkins.Synced()+responses.Synced() == 0 {
		log.Info().Msg("No check-ins or responses written, skipping aggregate rebuild")
		return result, nil
	}

	aggs, err := s.rebuilder.Rebuild(ctx)
	result.Rebuilt = true
	result.Aggregates = aggs
	if err != nil {
		return result, fmt.Errorf("failed to rebuild aggregates: %w", err)
	}

	log.Info().Dur("elapsed", s.now().Sub(start)).Msg("Sync cycle completed")
	return result, nil
}

func (s *Syncer) syncCheckins(ctx context.Context, now time.Time) (EntityResult, error) {
	cutoff := now.Add(-s.cfg.CheckinsWindow)
	rows, err := s.source.Checkins(ctx, cutoff)
	if err != nil {
		return EntityResult{Entity: EntityCheckins}, err
	}
	return s.upsert(ctx, EntityCheckins, table.Checkins, toRows(rows)), nil
}

func (s *Syncer) syncVisitResponses(ctx context.Context, now time.Time) (EntityResult, error) {
	cutoff := now.Add(-s.cfg.ResponsesWindow)
	rows, err := s.source.VisitResponses(ctx, cutoff)
	if err != nil {
		return EntityResult{Entity: EntityVisitResponses}, err
	}

	for _, r := range rows {
		if r.Responses != nil && !r.Flags.Parsed {
			logging.Debug().Int64("id", r.ID).Msg("Survey payload is not valid JSON, flags default to 0")
		}
	}
	return s.upsert(ctx, EntityVisitResponses, table.VisitResponses, toRows(rows)), nil
}

// syncShops writes shops whose id the edge database does not have yet
func (s *Syncer) syncShops(ctx context.Context, _ time.Time) (EntityResult, error) {
	shops, err := s.source.Shops(ctx)
	if err != nil {
		return EntityResult{Entity: EntityShops}, err
	}

	existing := s.edgeShopIDs(ctx)
	missing := make([]model.Row, 0, len(shops))
	for _, shop := range shops {
		if !existing[shop.ID] {
			missing = append(missing, shop)
		}
	}
	logging.Debug().Int("source", len(shops)).Int("edge", len(existing)).Int("missing", len(missing)).Msg("Shop diff")

	return s.upsert(ctx, EntityShops, table.Shops, missing), nil
}

// edgeShopIDs lists shop ids already on the edge. A failed lookup is
// treated as an empty set; the upsert makes the resulting rewrite harmless.
func (s *Syncer) edgeShopIDs(ctx context.Context) map[int64]bool {
	ids := make(map[int64]bool)
	if s.cfg.DryRun {
		return ids
	}

	resp, err := s.exec.Execute(ctx, table.Shops.SelectKeysSQL())
	if err == nil && !resp.Success {
		err = resp.Err()
	}
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to list edge shops, treating all shops as new")
		return ids
	}

	for _, row := range resp.Rows() {
		if id, ok := toInt64(row["id"]); ok {
			ids[id] = true
		}
	}
	return ids
}

// upsert writes rows one call at a time and logs every failure
func (s *Syncer) upsert(ctx context.Context, entity string, info *table.Info, rows []model.Row) EntityResult {
	res := EntityResult{Entity: entity, Candidates: len(rows), DryRun: s.cfg.DryRun}
	if len(rows) == 0 {
		logging.Info().Str("entity", entity).Msg("Nothing to sync")
		return res
	}
	if s.cfg.DryRun {
		logging.Info().Str("entity", entity).Int("count", len(rows)).Msg("Dry run, rows would be synced")
		return res
	}

	stmts := make([]d1.Statement, len(rows))
	for i, row := range rows {
		stmts[i] = d1.Statement{Key: row.Key(), SQL: info.UpsertSQL(), Params: normalize.Params(row.Values()...)}
	}

	res.Outcomes = d1.Batch(ctx, s.exec, stmts)
	for _, out := range res.Outcomes {
		if !out.OK {
			logging.Error().
				Err(out.Err).
				Str("entity", entity).
				Interface("id", out.Key).
				Str("body", out.Body).
				Msg("Failed to upsert row")
		}
	}
	return res
}

func (s *Syncer) count(res EntityResult) {
	if s.metrics == nil || res.DryRun {
		return
	}
	s.metrics.RowsSynced.WithLabelValues(res.Entity).Add(float64(res.Synced()))
	s.metrics.RowsFailed.WithLabelValues(res.Entity).Add(float64(res.Failed()))
}

func (s *Syncer) logStart(ctx context.Context, runID, entity, syncType string) int64 {
	if s.recorder == nil {
		return 0
	}
	id, err := s.recorder.LogSyncStart(ctx, runID, entity, syncType)
	if err != nil {
		logging.Warn().Err(err).Str("entity", entity).Msg("Failed to record sync start")
	}
	return id
}

func (s *Syncer) logEnd(ctx context.Context, logID int64, res EntityResult, syncErr error) {
	if s.recorder == nil || logID == 0 {
		return
	}

	status, msg := state.StatusSuccess, ""
	switch {
	case syncErr != nil:
		status, msg = state.StatusFailed, syncErr.Error()
	case res.Failed() > 0:
		status = state.StatusPartial
	}

	processed := res.Synced()
	if res.DryRun {
		processed = res.Candidates
	}
	if err := s.recorder.LogSyncEnd(ctx, logID, processed, res.Failed(), status, msg); err != nil {
		logging.Warn().Err(err).Str("entity", res.Entity).Msg("Failed to record sync end")
	}
}

func (s *Syncer) setLastSync(ctx context.Context, entity string, ts time.Time) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.SetLastSync(ctx, entity, ts); err != nil {
		logging.Warn().Err(err).Str("entity", entity).Msg("Failed to record last sync time")
	}
}

func toRows[T model.Row](items []T) []model.Row {
	rows := make([]model.Row, len(items))
	for i, item := range items {
		rows[i] = item
	}
	return rows
}

// toInt64 converts a decoded JSON identifier
func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case float64:
		return int64(x), true
	case int64:
		return x, true
	case int:
		return int64(x), true
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
