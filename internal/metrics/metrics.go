// Package metrics records run statistics for a batch invocation and can push
// them to a Prometheus Pushgateway before the process exits.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics groups the collectors of one process run
type Metrics struct {
	registry *prometheus.Registry

	RowsSynced    *prometheus.CounterVec
	RowsFailed    *prometheus.CounterVec
	AggregateRows *prometheus.CounterVec
	Photos        *prometheus.CounterVec
	CycleDuration prometheus.Gauge
	LastSuccess   prometheus.Gauge
}

// New creates collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		RowsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_rows_synced_total",
			Help: "Rows upserted into the edge database",
		}, []string{"entity"}),
		RowsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_rows_failed_total",
			Help: "Rows whose upsert call failed",
		}, []string{"entity"}),
		AggregateRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_aggregate_rows_total",
			Help: "Rows inserted into derived tables",
		}, []string{"table"}),
		Photos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edgesync_photos_total",
			Help: "Photos handled by the migration job",
		}, []string{"result"}),
		CycleDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_cycle_duration_seconds",
			Help: "Wall time of the last run",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edgesync_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run",
		}),
	}

	m.registry.MustRegister(m.RowsSynced, m.RowsFailed, m.AggregateRows, m.Photos, m.CycleDuration, m.LastSuccess)
	return m
}

// ObserveRun records the duration and, on success, the completion time
func (m *Metrics) ObserveRun(start time.Time, err error) {
	m.CycleDuration.Set(time.Since(start).Seconds())
	if err == nil {
		m.LastSuccess.SetToCurrentTime()
	}
}

// Push sends every collector to a Pushgateway. An empty url is a no-op.
func (m *Metrics) Push(ctx context.Context, url, job, command string) error {
	if url == "" {
		return nil
	}
	err := push.New(url, job).
		Gatherer(m.registry).
		Grouping("command", command).
		PushContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}
