// Package export dumps every source table and aggregate to local JSON files.
package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/koltyakov/edgesync/internal/aggregate"
	"github.com/koltyakov/edgesync/internal/logging"
	"github.com/koltyakov/edgesync/internal/model"
	"github.com/koltyakov/edgesync/internal/normalize"
	"github.com/koltyakov/edgesync/internal/table"
)

// Source provides full table reads and the aggregate queries
type Source interface {
	aggregate.Source
	Shops(ctx context.Context) ([]model.Shop, error)
	AllCheckins(ctx context.Context) ([]model.Checkin, error)
	AllVisitResponses(ctx context.Context) ([]model.VisitResponse, error)
}

// File is one written export file
type File struct {
	Name  string
	Path  string
	Count int
}

// Exporter writes the export files
type Exporter struct {
	source Source
	dir    string
}

// New creates a new Exporter writing into dir
func New(source Source, dir string) *Exporter {
	return &Exporter{source: source, dir: dir}
}

type dataset struct {
	name    string
	columns []string
	load    func(context.Context) ([][]any, error)
}

// Run writes every file in order and stops at the first failure
func (e *Exporter) Run(ctx context.Context) ([]File, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	datasets := []dataset{
		{table.Shops.Name, table.Shops.Columns, e.shops},
		{table.CheckinsExport.Name, table.CheckinsExport.Columns, e.checkins},
		{table.VisitResponses.Name, table.VisitResponses.Columns, e.visitResponses},
		{table.AgentPerformance.Name, table.AgentPerformance.Columns, e.agentPerformance},
		{table.CheckinsByHour.Name, table.CheckinsByHour.Columns, e.hours},
		{table.CheckinsByDay.Name, table.CheckinsByDay.Columns, e.days},
		{table.GeographicHotspots.Name, table.GeographicHotspots.Columns, e.hotspots},
	}

	files := make([]File, 0, len(datasets))
	for _, ds := range datasets {
		rows, err := ds.load(ctx)
		if err != nil {
			return files, fmt.Errorf("failed to read %s: %w", ds.name, err)
		}

		path := filepath.Join(e.dir, ds.name+".json")
		if err := writeJSON(path, ds.columns, rows); err != nil {
			return files, fmt.Errorf("failed to write %s: %w", path, err)
		}

		files = append(files, File{Name: ds.name, Path: path, Count: len(rows)})
		logging.Info().Str("table", ds.name).Int("count", len(rows)).Str("path", path).Msg("Exported")
	}

	return files, nil
}

func (e *Exporter) shops(ctx context.Context) ([][]any, error) {
	shops, err := e.source.Shops(ctx)
	return values(shops, err)
}

func (e *Exporter) checkins(ctx context.Context) ([][]any, error) {
	checkins, err := e.source.AllCheckins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(checkins))
	for i, c := range checkins {
		out[i] = c.ExportValues()
	}
	return out, nil
}

func (e *Exporter) visitResponses(ctx context.Context) ([][]any, error) {
	responses, err := e.source.AllVisitResponses(ctx)
	return values(responses, err)
}

func (e *Exporter) agentPerformance(ctx context.Context) ([][]any, error) {
	perf, err := aggregate.LoadAgentPerformance(ctx, e.source)
	return values(perf, err)
}

func (e *Exporter) hours(ctx context.Context) ([][]any, error) {
	hours, err := e.source.HourlyCounts(ctx)
	return values(hours, err)
}

func (e *Exporter) days(ctx context.Context) ([][]any, error) {
	days, err := e.source.DailyCounts(ctx)
	return values(days, err)
}

func (e *Exporter) hotspots(ctx context.Context) ([][]any, error) {
	spots, err := aggregate.LoadHotspots(ctx, e.source)
	return values(spots, err)
}

func values[T model.Row](rows []T, err error) ([][]any, error) {
	if err != nil {
		return nil, err
	}
	out := make([][]any, len(rows))
	for i, r := range rows {
		out[i] = r.Values()
	}
	return out, nil
}

// writeJSON writes rows as an indented array of column-ordered objects.
// The file is written next to its final path and renamed into place.
func writeJSON(path string, columns []string, rows [][]any) error {
	records := make([]normalize.Record, len(rows))
	for i, vals := range rows {
		records[i] = normalize.Record{Columns: columns, Values: vals}
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(records); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
