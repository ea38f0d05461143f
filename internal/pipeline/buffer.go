package pipeline

import (
	"context"
	"sync"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
)

// DefaultFrameBufferSize is the frame buffer capacity used when none is configured
const DefaultFrameBufferSize = 10

// DefaultResultBufferSize is the result buffer capacity used when none is configured
const DefaultResultBufferSize = 100

// FrameBuffer is a bounded FIFO between the capture workers and the
// detection worker. Offer never blocks: when the buffer is full the offered
// frame is dropped.
type FrameBuffer struct {
	ch chan *detection.Frame
}

// NewFrameBuffer creates a frame buffer with the given capacity
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultFrameBufferSize
	}
	return &FrameBuffer{ch: make(chan *detection.Frame, capacity)}
}

// Offer enqueues the frame, reporting false if it was dropped
func (b *FrameBuffer) Offer(frame *detection.Frame) bool {
	select {
	case b.ch <- frame:
		return true
	default:
		return false
	}
}

// Take blocks until a frame is available. It returns false once ctx is done.
func (b *FrameBuffer) Take(ctx context.Context) (*detection.Frame, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	select {
	case <-ctx.Done():
		return nil, false
	case frame := <-b.ch:
		return frame, true
	}
}

// Len returns the number of queued frames
func (b *FrameBuffer) Len() int {
	return len(b.ch)
}

// Cap returns the buffer capacity
func (b *FrameBuffer) Cap() int {
	return cap(b.ch)
}

// ResultBuffer is a bounded FIFO of summaries. When full, Push evicts the
// oldest summary so the freshest results are kept.
type ResultBuffer struct {
	mu      sync.Mutex
	entries []*Summary
	size    int
	head    int
	count   int
}

// NewResultBuffer creates a result buffer with the given capacity
func NewResultBuffer(capacity int) *ResultBuffer {
	if capacity <= 0 {
		capacity = DefaultResultBufferSize
	}
	return &ResultBuffer{
		entries: make([]*Summary, capacity),
		size:    capacity,
	}
}

// Push appends a summary, reporting true if the oldest one was evicted
func (b *ResultBuffer) Push(s *Summary) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.count) % b.size
	b.entries[tail] = s

	if b.count < b.size {
		b.count++
		return false
	}

	// Overwrote the oldest entry
	b.head = (b.head + 1) % b.size
	return true
}

// Poll removes and returns the oldest summary without blocking
func (b *ResultBuffer) Poll() (*Summary, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil, false
	}

	s := b.entries[b.head]
	b.entries[b.head] = nil
	b.head = (b.head + 1) % b.size
	b.count--
	return s, true
}

// Len returns the number of buffered summaries
func (b *ResultBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity
func (b *ResultBuffer) Cap() int {
	return b.size
}
