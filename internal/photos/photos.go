// Package photos moves inline check-in photos from the source database into
// object storage.
package photos

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/koltyakov/edgesync/internal/logging"
	"github.com/koltyakov/edgesync/internal/model"
)

const (
	verboseErrors    = 5
	progressInterval = 10
)

// Source lists check-ins that still carry an inline photo
type Source interface {
	PhotoRows(ctx context.Context, limit int) ([]model.PhotoRow, error)
}

// Config controls one migration run
type Config struct {
	Limit     int
	Optimize  bool
	Optimizer Optimizer
}

// Result counts what happened to each photo
type Result struct {
	Total    int
	Uploaded int
	Skipped  int
	Errors   int
}

// Job migrates photos
type Job struct {
	cfg      Config
	source   Source
	uploader Uploader
	observe  func(result string)
}

// Option customizes a Job
type Option func(*Job)

// WithObserver is called with "uploaded", "skipped" or "error" per photo
func WithObserver(fn func(result string)) Option {
	return func(j *Job) { j.observe = fn }
}

// New creates a new Job
func New(cfg Config, source Source, uploader Uploader, opts ...Option) *Job {
	j := &Job{cfg: cfg, source: source, uploader: uploader}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Key returns the object key for a check-in photo
func Key(id int64) string {
	return "checkins/" + strconv.FormatInt(id, 10) + ".jpg"
}

// Run uploads every eligible photo. A failure on one photo is counted and the
// run moves on; only the source query can fail the run.
func (j *Job) Run(ctx context.Context) (Result, error) {
	rows, err := j.source.PhotoRows(ctx, j.cfg.Limit)
	if err != nil {
		return Result{}, fmt.Errorf("failed to query photos: %w", err)
	}

	res := Result{Total: len(rows)}
	logging.Info().Int("count", len(rows)).Msg("Migrating photos")

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		outcome, err := j.migrate(ctx, row)
		switch outcome {
		case "uploaded":
			res.Uploaded++
			if res.Uploaded%progressInterval == 0 {
				logging.Info().Int("uploaded", res.Uploaded).Int("total", res.Total).Msg("Progress")
			}
		case "skipped":
			res.Skipped++
		default:
			res.Errors++
			if res.Errors <= verboseErrors {
				logging.Error().Err(err).Int64("id", row.ID).Msg("Failed to migrate photo")
			} else {
				logging.Debug().Err(err).Int64("id", row.ID).Msg("Failed to migrate photo")
			}
		}
		if j.observe != nil {
			j.observe(outcome)
		}
	}

	logging.Info().
		Int("uploaded", res.Uploaded).
		Int("skipped", res.Skipped).
		Int("errors", res.Errors).
		Msg("Photo migration finished")
	return res, nil
}

func (j *Job) migrate(ctx context.Context, row model.PhotoRow) (string, error) {
	payload := strings.TrimSpace(stripDataURI(row.PhotoBase64))
	if payload == "" {
		return "skipped", nil
	}

	data, err := decode(payload)
	if err != nil {
		return "error", err
	}

	if j.cfg.Optimize {
		optimized, err := j.cfg.Optimizer.Optimize(data)
		if err != nil {
			logging.Debug().Err(err).Int64("id", row.ID).Msg("Optimization failed, uploading original")
		} else {
			data = optimized
		}
	}

	if err := j.uploader.Upload(ctx, Key(row.ID), data); err != nil {
		return "error", err
	}
	return "uploaded", nil
}

// decode accepts padded and unpadded base64
func decode(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err == nil {
		return data, nil
	}
	data, rawErr := base64.RawStdEncoding.DecodeString(payload)
	if rawErr == nil {
		return data, nil
	}
	return nil, fmt.Errorf("invalid base64 payload: %w", err)
}
