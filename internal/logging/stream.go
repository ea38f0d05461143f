// Package logging installs the process slog handler and keeps recent
// entries in memory for the logs endpoint.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the number of entries kept by the global buffer
const DefaultBufferSize = 1000

// LogEntry is a captured log record
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`
}

// Query selects entries from a RingBuffer. Zero values match everything.
type Query struct {
	Limit     int
	Component string
	MinLevel  slog.Level
}

// RingBuffer stores the most recent log entries
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	head    int
	count   int
}

// NewRingBuffer creates a ring buffer holding size entries
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &RingBuffer{entries: make([]LogEntry, size)}
}

// Add records an entry, overwriting the oldest when full
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.head] = entry
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Len returns the number of stored entries
func (rb *RingBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}

// Recent returns matching entries oldest first, keeping the newest
// q.Limit of them
func (rb *RingBuffer) Recent(q Query) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	size := len(rb.entries)
	start := (rb.head - rb.count + size) % size

	result := make([]LogEntry, 0, rb.count)
	for i := 0; i < rb.count; i++ {
		e := rb.entries[(start+i)%size]
		if q.Component != "" && e.Component != q.Component {
			continue
		}
		if ParseLevel(e.Level) < q.MinLevel {
			continue
		}
		result = append(result, e)
	}

	if q.Limit > 0 && len(result) > q.Limit {
		result = result[len(result)-q.Limit:]
	}
	return result
}

// StreamHandler is a slog handler that records entries in a RingBuffer
// and forwards them to another handler
type StreamHandler struct {
	buffer *RingBuffer
	next   slog.Handler
	attrs  []slog.Attr
	group  string
}

// NewStreamHandler wraps next so every handled record is also buffered
func NewStreamHandler(buffer *RingBuffer, next slog.Handler) *StreamHandler {
	return &StreamHandler{buffer: buffer, next: next}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}

	collect := func(a slog.Attr) bool {
		if a.Key == "component" && h.group == "" {
			entry.Component = a.Value.String()
			return true
		}
		if entry.Attrs == nil {
			entry.Attrs = make(map[string]interface{})
		}
		key := a.Key
		if h.group != "" {
			key = h.group + "." + key
		}
		entry.Attrs[key] = a.Value.Resolve().Any()
		return true
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(collect)

	h.buffer.Add(entry)
	return h.next.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &StreamHandler{buffer: h.buffer, next: h.next.WithAttrs(attrs), attrs: merged, group: h.group}
}

// WithGroup implements slog.Handler
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &StreamHandler{buffer: h.buffer, next: h.next.WithGroup(name), attrs: h.attrs, group: group}
}

// ParseLevel maps debug/info/warn/error (any case) to a slog level,
// defaulting to info
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var globalBuffer = NewRingBuffer(DefaultBufferSize)

// GetLogBuffer returns the buffer used by Setup
func GetLogBuffer() *RingBuffer {
	return globalBuffer
}

// Setup installs the default slog logger writing JSON (or text) to w at
// the given level, with records also captured in the global buffer
func Setup(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var next slog.Handler
	if strings.EqualFold(format, "text") {
		next = slog.NewTextHandler(w, opts)
	} else {
		next = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(NewStreamHandler(globalBuffer, next))
	slog.SetDefault(logger)
	return logger
}
