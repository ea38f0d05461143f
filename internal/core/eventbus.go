// Package core hosts the embedded NATS event bus that carries stock
// snapshots, low stock alerts and pipeline lifecycle events.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

// Subjects published by the stock watcher
const (
	SubjectSnapshotPrefix  = "stock.snapshots."
	SubjectSnapshotsAll    = "stock.snapshots.>"
	SubjectLowStock        = "stock.alerts.low"
	SubjectPipelineStarted = "stock.pipeline.started"
	SubjectPipelineStopped = "stock.pipeline.stopped"
)

// EventBus wraps an embedded NATS server and a client connection to it
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server, -1 picks a random free port
	Port int
	// StoreDir for JetStream persistence (optional)
	StoreDir string
	// EnableJetStream enables JetStream
	EnableJetStream bool
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 4222
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.EnableJetStream {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("stockwatch"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL(), "jetstream", cfg.EnableJetStream)

	return eb, nil
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish marshals data as JSON and publishes it
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Flush waits until the server has processed all published messages
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stop drains the connection and shuts the server down
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.server.WaitForShutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck verifies the client connection to the embedded server
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return eb.conn.FlushWithContext(ctx)
}

// SnapshotSubject returns the subject a source's snapshots are published on.
// NATS token separators in the source ID are replaced.
func SnapshotSubject(sourceID string) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(sourceID)
	return SubjectSnapshotPrefix + token
}

// PublishSnapshot publishes a stock snapshot on its source subject
func (eb *EventBus) PublishSnapshot(snap *pipeline.Snapshot) error {
	return eb.Publish(SnapshotSubject(snap.SourceID), snap)
}

// PublishLowStock publishes a low stock alert
func (eb *EventBus) PublishLowStock(alert pipeline.LowStockAlert) error {
	return eb.Publish(SubjectLowStock, alert)
}

// PipelineEvent is the payload of pipeline lifecycle messages
type PipelineEvent struct {
	Event     string    `json:"event"` // "started", "stopped"
	Sources   []string  `json:"sources"`
	Timestamp time.Time `json:"timestamp"`
}

// PublishLifecycle publishes a pipeline started or stopped event
func (eb *EventBus) PublishLifecycle(ev pipeline.LifecycleEvent) error {
	subject, name := SubjectPipelineStopped, "stopped"
	if ev.Running {
		subject, name = SubjectPipelineStarted, "started"
	}
	return eb.Publish(subject, PipelineEvent{
		Event:     name,
		Sources:   ev.Sources,
		Timestamp: ev.Timestamp,
	})
}
