package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// ErrAlreadyRunning is returned by Start while a run is active
var ErrAlreadyRunning = errors.New("pipeline already running")

// Config holds pipeline tuning
type Config struct {
	FrameBufferSize     int
	ResultBufferSize    int
	// ConfidenceThreshold defaults to DefaultConfidenceThreshold when nil.
	// Zero keeps every object with a positive confidence.
	ConfidenceThreshold *float64
}

// SourceOpener resolves a source ID to a frame source
type SourceOpener func(sourceID string) (detection.FrameSource, error)

// LifecycleEvent is delivered to lifecycle listeners after Start and Stop
type LifecycleEvent struct {
	Running   bool
	Sources   []string
	Timestamp time.Time
}

// Controller owns the capture and detection workers of one pipeline
type Controller struct {
	mu        sync.Mutex
	cfg       Config
	detector  detection.Detector
	open      SourceOpener
	shelves   atomic.Pointer[shelf.Map]
	results   *ResultBuffer
	stats     *Stats
	listeners []func(LifecycleEvent)
	logger    *slog.Logger

	// Current run
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	frames    *FrameBuffer
	sources   []string
	startedAt time.Time
}

// NewController creates a stopped controller
func NewController(cfg Config, detector detection.Detector, open SourceOpener) *Controller {
	if cfg.FrameBufferSize <= 0 {
		cfg.FrameBufferSize = DefaultFrameBufferSize
	}
	if cfg.ResultBufferSize <= 0 {
		cfg.ResultBufferSize = DefaultResultBufferSize
	}
	threshold := DefaultConfidenceThreshold
	if cfg.ConfidenceThreshold != nil {
		threshold = *cfg.ConfidenceThreshold
	}
	cfg.ConfidenceThreshold = &threshold

	return &Controller{
		cfg:      cfg,
		detector: detector,
		open:     open,
		results:  NewResultBuffer(cfg.ResultBufferSize),
		stats:    &Stats{},
		logger:   slog.Default().With("component", "pipeline"),
	}
}

// SetShelves replaces the shelf map. The map is fixed for the duration of a
// run, so this fails while the pipeline is running.
func (c *Controller) SetShelves(m *shelf.Map) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	c.shelves.Store(m)
	return nil
}

// Shelves returns the current shelf map, which may be nil
func (c *Controller) Shelves() *shelf.Map {
	return c.shelves.Load()
}

// OnLifecycle registers a callback invoked after every successful Start and Stop
func (c *Controller) OnLifecycle(fn func(LifecycleEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Start opens every source and spawns one capture worker per source plus the
// detection worker. If any source cannot be opened nothing is started.
func (c *Controller) Start(sourceIDs []string) error {
	c.mu.Lock()

	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}

	seen := make(map[string]bool, len(sourceIDs))
	sources := make([]detection.FrameSource, 0, len(sourceIDs))
	closeAll := func() {
		for _, src := range sources {
			_ = src.Close()
		}
	}

	for _, id := range sourceIDs {
		if seen[id] {
			closeAll()
			c.mu.Unlock()
			return fmt.Errorf("duplicate source: %s", id)
		}
		seen[id] = true

		src, err := c.open(id)
		if err != nil {
			closeAll()
			c.mu.Unlock()
			return fmt.Errorf("failed to open source %s: %w", id, err)
		}
		sources = append(sources, src)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.frames = NewFrameBuffer(c.cfg.FrameBufferSize)
	c.sources = append([]string(nil), sourceIDs...)
	c.startedAt = time.Now()
	c.running = true

	c.wg.Add(len(sources) + 1)
	for i, src := range sources {
		w := &captureWorker{
			sourceID: sourceIDs[i],
			source:   src,
			frames:   c.frames,
			stats:    c.stats,
			logger:   c.logger,
		}
		go func() {
			defer c.wg.Done()
			w.run(ctx)
		}()
	}

	dw := &detectWorker{
		detector:  c.detector,
		threshold: *c.cfg.ConfidenceThreshold,
		shelves:   c.shelves.Load(),
		frames:    c.frames,
		results:   c.results,
		stats:     c.stats,
		logger:    c.logger,
	}
	go func() {
		defer c.wg.Done()
		dw.run(ctx)
	}()

	event := LifecycleEvent{Running: true, Sources: c.sources, Timestamp: c.startedAt}
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Info("Pipeline started", "sources", sourceIDs, "shelves", c.Shelves().Len())
	notify(listeners, event)
	return nil
}

// Stop cancels the current run and waits for every worker to exit. Calling
// Stop on a stopped pipeline does nothing.
func (c *Controller) Stop() {
	c.mu.Lock()

	if !c.running {
		c.mu.Unlock()
		return
	}

	c.cancel()
	c.wg.Wait()

	c.running = false
	c.cancel = nil
	sources := c.sources
	c.sources = nil
	listeners := c.listeners
	c.mu.Unlock()

	c.logger.Info("Pipeline stopped", "sources", sources)
	notify(listeners, LifecycleEvent{Running: false, Sources: sources, Timestamp: time.Now()})
}

// Running reports whether a run is active
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// PollSnapshot removes the oldest summary and converts it using the shelf
// map of the run that detected it, so a map swapped in after Stop only
// applies to later runs. It never blocks and returns false when no summary
// is buffered.
func (c *Controller) PollSnapshot() (*Snapshot, bool) {
	summary, ok := c.results.Poll()
	if !ok {
		return nil, false
	}

	snap := Estimate(summary, summary.shelves)
	snap.ID = uuid.New().String()
	return snap, true
}

// Status returns the controller state and counters
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Running:      c.running,
		Sources:      append([]string{}, c.sources...),
		Shelves:      c.shelves.Load().Len(),
		ResultBuffer: BufferStatus{Len: c.results.Len(), Cap: c.results.Cap()},
		FrameBuffer:  BufferStatus{Cap: c.cfg.FrameBufferSize},
		Stats:        c.stats.Snapshot(),
	}
	if c.running {
		startedAt := c.startedAt
		status.StartedAt = &startedAt
		status.FrameBuffer = BufferStatus{Len: c.frames.Len(), Cap: c.frames.Cap()}
	}
	return status
}

func notify(listeners []func(LifecycleEvent), event LifecycleEvent) {
	for _, fn := range listeners {
		fn(event)
	}
}
