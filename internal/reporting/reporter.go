// Package reporting drains stock snapshots from the pipeline and hands
// them to storage, the event bus and live clients.
package reporting

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

// Source yields snapshots without blocking
type Source interface {
	PollSnapshot() (*pipeline.Snapshot, bool)
}

// Sink receives every reported snapshot and every alert it raises
type Sink interface {
	Name() string
	HandleSnapshot(ctx context.Context, snap *pipeline.Snapshot) error
	HandleAlert(ctx context.Context, alert pipeline.LowStockAlert) error
}

// Pruner removes stored data captured before a cutoff
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config configures a Reporter
type Config struct {
	PollInterval time.Duration
	// Minimums returns restock thresholds keyed by shelf then item. It is
	// called per snapshot so configuration reloads take effect.
	Minimums func() map[string]map[string]int
	// Retention enables pruning through Pruner when positive
	Retention           time.Duration
	Pruner              Pruner
	MaintenanceInterval time.Duration
}

// Stats counts reporter activity
type Stats struct {
	Snapshots  int64 `json:"snapshots"`
	Alerts     int64 `json:"alerts"`
	SinkErrors int64 `json:"sink_errors"`
	Pruned     int64 `json:"pruned"`
}

// Reporter polls a Source on an interval and fans snapshots out to sinks
type Reporter struct {
	source Source
	sinks  []Sink
	cfg    Config
	logger *slog.Logger

	snapshots  atomic.Int64
	alerts     atomic.Int64
	sinkErrors atomic.Int64
	pruned     atomic.Int64
}

// New creates a reporter
func New(source Source, cfg Config, sinks ...Sink) *Reporter {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = time.Hour
	}
	return &Reporter{
		source: source,
		sinks:  sinks,
		cfg:    cfg,
		logger: slog.Default().With("component", "reporter"),
	}
}

// Run reports until ctx is cancelled, then drains what is left
func (r *Reporter) Run(ctx context.Context) {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	maintenance := time.NewTicker(r.cfg.MaintenanceInterval)
	defer maintenance.Stop()

	r.logger.Info("Reporter started", "interval", r.cfg.PollInterval, "sinks", len(r.sinks))

	for {
		select {
		case <-ctx.Done():
			// Sinks still get the final snapshots with a fresh deadline
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			n := r.Drain(flushCtx)
			cancel()
			r.logger.Info("Reporter stopped", "flushed", n)
			return
		case <-poll.C:
			r.Drain(ctx)
		case <-maintenance.C:
			r.Maintain(ctx)
		}
	}
}

// Drain reports every snapshot currently buffered and returns how many
func (r *Reporter) Drain(ctx context.Context) int {
	n := 0
	for {
		snap, ok := r.source.PollSnapshot()
		if !ok {
			return n
		}
		r.Report(ctx, snap)
		n++
	}
}

// Report dispatches one snapshot and its low stock alerts to every sink.
// A failing sink is logged and does not stop the others.
func (r *Reporter) Report(ctx context.Context, snap *pipeline.Snapshot) {
	r.snapshots.Add(1)
	for _, sink := range r.sinks {
		if err := sink.HandleSnapshot(ctx, snap); err != nil {
			r.sinkErrors.Add(1)
			r.logger.Warn("Sink failed to handle snapshot", "sink", sink.Name(), "snapshot", snap.ID, "error", err)
		}
	}

	if r.cfg.Minimums == nil {
		return
	}
	for _, alert := range pipeline.CheckLowStock(snap, r.cfg.Minimums()) {
		r.alerts.Add(1)
		r.logger.Info("Low stock", "source", alert.SourceID, "shelf", alert.ShelfID,
			"item", alert.Item, "count", alert.Count, "minimum", alert.Minimum)
		for _, sink := range r.sinks {
			if err := sink.HandleAlert(ctx, alert); err != nil {
				r.sinkErrors.Add(1)
				r.logger.Warn("Sink failed to handle alert", "sink", sink.Name(), "alert", alert.ID, "error", err)
			}
		}
	}
}

// Maintain prunes data older than the retention window
func (r *Reporter) Maintain(ctx context.Context) {
	if r.cfg.Pruner == nil || r.cfg.Retention <= 0 {
		return
	}
	n, err := r.cfg.Pruner.Prune(ctx, time.Now().Add(-r.cfg.Retention))
	if err != nil {
		r.logger.Error("Failed to prune snapshots", "error", err)
		return
	}
	r.pruned.Add(n)
	if n > 0 {
		r.logger.Info("Pruned old snapshots", "count", n, "retention", r.cfg.Retention)
	}
}

// Stats returns a snapshot of the reporter counters
func (r *Reporter) Stats() Stats {
	return Stats{
		Snapshots:  r.snapshots.Load(),
		Alerts:     r.alerts.Load(),
		SinkErrors: r.sinkErrors.Load(),
		Pruned:     r.pruned.Load(),
	}
}
