package reporting

import (
	"context"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

// SnapshotStore persists snapshots and alerts
type SnapshotStore interface {
	Save(ctx context.Context, snap *pipeline.Snapshot) error
	SaveAlert(ctx context.Context, alert pipeline.LowStockAlert) error
}

// Publisher publishes snapshots and alerts to a message bus
type Publisher interface {
	PublishSnapshot(snap *pipeline.Snapshot) error
	PublishLowStock(alert pipeline.LowStockAlert) error
}

// Broadcaster pushes snapshots and alerts to live clients
type Broadcaster interface {
	BroadcastSnapshot(snap *pipeline.Snapshot)
	BroadcastAlert(alert pipeline.LowStockAlert)
}

type storeSink struct{ store SnapshotStore }

// StoreSink persists every snapshot and alert
func StoreSink(store SnapshotStore) Sink { return storeSink{store} }

func (s storeSink) Name() string { return "store" }

func (s storeSink) HandleSnapshot(ctx context.Context, snap *pipeline.Snapshot) error {
	return s.store.Save(ctx, snap)
}

func (s storeSink) HandleAlert(ctx context.Context, alert pipeline.LowStockAlert) error {
	return s.store.SaveAlert(ctx, alert)
}

type busSink struct{ pub Publisher }

// BusSink publishes every snapshot and alert
func BusSink(pub Publisher) Sink { return busSink{pub} }

func (s busSink) Name() string { return "eventbus" }

func (s busSink) HandleSnapshot(_ context.Context, snap *pipeline.Snapshot) error {
	return s.pub.PublishSnapshot(snap)
}

func (s busSink) HandleAlert(_ context.Context, alert pipeline.LowStockAlert) error {
	return s.pub.PublishLowStock(alert)
}

type hubSink struct{ b Broadcaster }

// HubSink broadcasts every snapshot and alert to connected clients
func HubSink(b Broadcaster) Sink { return hubSink{b} }

func (s hubSink) Name() string { return "websocket" }

func (s hubSink) HandleSnapshot(_ context.Context, snap *pipeline.Snapshot) error {
	s.b.BroadcastSnapshot(snap)
	return nil
}

func (s hubSink) HandleAlert(_ context.Context, alert pipeline.LowStockAlert) error {
	s.b.BroadcastAlert(alert)
	return nil
}
