// Package aggregate rebuilds the derived edge tables from current source state.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/koltyakov/edgesync/internal/d1"
	"github.com/koltyakov/edgesync/internal/logging"
	"github.com/koltyakov/edgesync/internal/model"
	"github.com/koltyakov/edgesync/internal/normalize"
	"github.com/koltyakov/edgesync/internal/table"
)

// HotspotLimit caps the geographic_hotspots table
const HotspotLimit = 100

// Source provides the grouped counts the derived tables are built from
type Source interface {
	AgentCheckinCounts(ctx context.Context) ([]model.AgentCount, error)
	AgentConversions(ctx context.Context) ([]model.AgentConversions, error)
	HourlyCounts(ctx context.Context) ([]model.HourBucket, error)
	DailyCounts(ctx context.Context) ([]model.DayBucket, error)
	Hotspots(ctx context.Context, limit int) ([]model.Hotspot, error)
}

// TableResult reports the rebuild of one derived table
type TableResult struct {
	Table    string
	Rows     int
	Inserted int
	Failed   int
	Err      error
}

// Rebuilder replaces derived tables wholesale
type Rebuilder struct {
	source   Source
	exec     d1.Executor
	hotspots bool
	observe  func(TableResult)
}

// Option customizes a Rebuilder
type Option func(*Rebuilder)

// WithHotspots also rebuilds geographic_hotspots
func WithHotspots(enabled bool) Option {
	return func(r *Rebuilder) { r.hotspots = enabled }
}

// WithObserver is called after every table, e.g. to feed metrics
func WithObserver(fn func(TableResult)) Option {
	return func(r *Rebuilder) { r.observe = fn }
}

// New creates a new Rebuilder
func New(source Source, exec d1.Executor, opts ...Option) *Rebuilder {
	r := &Rebuilder{source: source, exec: exec}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rebuild recomputes every derived table. Each table is cleared and then
// filled row by row; a table whose query or delete fails is skipped and its
// error joined into the returned error. Failed inserts are counted only.
func (r *Rebuilder) Rebuild(ctx context.Context) ([]TableResult, error) {
	logging.Info().Msg("Rebuilding aggregate tables")

	steps := []struct {
		info *table.Info
		rows func(context.Context) ([]model.Row, error)
	}{
		{table.AgentPerformance, r.agentPerformanceRows},
		{table.CheckinsByHour, r.hourRows},
		{table.CheckinsByDay, r.dayRows},
	}
	if r.hotspots {
		steps = append(steps, struct {
			info *table.Info
			rows func(context.Context) ([]model.Row, error)
		}{table.GeographicHotspots, r.hotspotRows})
	}

	var (
		results []TableResult
		errs    []error
	)
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res := r.rebuildTable(ctx, step.info, step.rows)
		results = append(results, res)
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
		if r.observe != nil {
			r.observe(res)
		}
	}

	return results, errors.Join(errs...)
}

func (r *Rebuilder) rebuildTable(ctx context.Context, info *table.Info, load func(context.Context) ([]model.Row, error)) TableResult {
	res := TableResult{Table: info.Name}
	log := logging.With("aggregate").With().Str("table", info.Name).Logger()

	rows, err := load(ctx)
	if err != nil {
		res.Err = fmt.Errorf("failed to compute %s: %w", info.Name, err)
		log.Error().Err(err).Msg("Aggregate query failed")
		return res
	}
	res.Rows = len(rows)

	del := d1.Run(ctx, r.exec, d1.Statement{Key: info.Name, SQL: info.DeleteAllSQL()})
	if !del.OK {
		res.Err = fmt.Errorf("failed to clear %s: %w", info.Name, del.Err)
		log.Error().Err(del.Err).Str("body", del.Body).Msg("Failed to clear table, skipping inserts")
		return res
	}

	stmts := make([]d1.Statement, len(rows))
	for i, row := range rows {
		stmts[i] = d1.Statement{Key: row.Key(), SQL: info.InsertSQL(), Params: normalize.Params(row.Values()...)}
	}

	for _, out := range d1.Batch(ctx, r.exec, stmts) {
		if out.OK {
			res.Inserted++
			continue
		}
		res.Failed++
		log.Warn().Err(out.Err).Interface("key", out.Key).Str("body", out.Body).Msg("Failed to insert aggregate row")
	}

	log.Info().Int("inserted", res.Inserted).Int("failed", res.Failed).Msg("Table rebuilt")
	return res
}

func (r *Rebuilder) agentPerformanceRows(ctx context.Context) ([]model.Row, error) {
	perf, err := LoadAgentPerformance(ctx, r.source)
	if err != nil {
		return nil, err
	}
	return toRows(perf), nil
}

func (r *Rebuilder) hourRows(ctx context.Context) ([]model.Row, error) {
	hours, err := r.source.HourlyCounts(ctx)
	if err != nil {
		return nil, err
	}
	return toRows(hours), nil
}

func (r *Rebuilder) dayRows(ctx context.Context) ([]model.Row, error) {
	days, err := r.source.DailyCounts(ctx)
	if err != nil {
		return nil, err
	}
	return toRows(days), nil
}

func (r *Rebuilder) hotspotRows(ctx context.Context) ([]model.Row, error) {
	spots, err := LoadHotspots(ctx, r.source)
	if err != nil {
		return nil, err
	}
	return toRows(spots), nil
}

// LoadAgentPerformance queries both agent aggregates and merges them
func LoadAgentPerformance(ctx context.Context, source Source) ([]model.AgentPerformance, error) {
	counts, err := source.AgentCheckinCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count checkins per agent: %w", err)
	}
	conversions, err := source.AgentConversions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count conversions per agent: %w", err)
	}
	return AgentPerformance(counts, conversions), nil
}

// LoadHotspots queries the top coordinate pairs and drops any at latitude or longitude 0
func LoadHotspots(ctx context.Context, source Source) ([]model.Hotspot, error) {
	spots, err := source.Hotspots(ctx, HotspotLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}

	kept := spots[:0]
	for _, s := range spots {
		if s.Latitude == 0 || s.Longitude == 0 {
			continue
		}
		kept = append(kept, s)
	}
	if len(kept) > HotspotLimit {
		kept = kept[:HotspotLimit]
	}
	return kept, nil
}

// AgentPerformance joins per-agent check-in counts with conversion counts.
// Agents without conversions get 0; the rate is a percentage rounded to two
// decimals. Rows are ordered by check-in count, busiest first.
func AgentPerformance(counts []model.AgentCount, conversions []model.AgentConversions) []model.AgentPerformance {
	byAgent := make(map[int64]int64, len(conversions))
	var nullAgent int64
	for _, c := range conversions {
		if c.AgentID == nil {
			nullAgent += c.Conversions
			continue
		}
		byAgent[*c.AgentID] += c.Conversions
	}

	perf := make([]model.AgentPerformance, 0, len(counts))
	for _, c := range counts {
		conv := nullAgent
		if c.AgentID != nil {
			conv = byAgent[*c.AgentID]
		}
		perf = append(perf, model.AgentPerformance{
			AgentID:        c.AgentID,
			AgentName:      c.AgentName,
			CheckinCount:   c.CheckinCount,
			Conversions:    conv,
			ConversionRate: ConversionRate(conv, c.CheckinCount),
		})
	}

	sort.SliceStable(perf, func(i, j int) bool {
		return perf[i].CheckinCount > perf[j].CheckinCount
	})
	return perf
}

// ConversionRate returns conversions as a percentage of checkins, rounded to two decimals
func ConversionRate(conversions, checkins int64) float64 {
	if checkins <= 0 {
		return 0
	}
	rate := float64(conversions) / float64(checkins) * 100
	return math.Round(rate*100) / 100
}

func toRows[T model.Row](items []T) []model.Row {
	rows := make([]model.Row, len(items))
	for i, item := range items {
		rows[i] = item
	}
	return rows
}
