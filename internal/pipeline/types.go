// Package pipeline turns frames from several cameras into per-shelf stock
// counts. Capture workers feed a bounded frame buffer, a single detection
// worker scores frames and folds the results into per-class summaries, and
// callers poll summaries out as stock snapshots.
package pipeline

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// ClassDetections aggregates the detections of one class in one frame.
// Count always equals len(BoundingBoxes).
type ClassDetections struct {
	Count         int                     `json:"count"`
	MaxConfidence float64                 `json:"max_confidence"`
	BoundingBoxes []detection.BoundingBox `json:"bounding_boxes"`
}

// Summary is the per-frame result of the detection stage
type Summary struct {
	SourceID   string                      `json:"source_id"`
	CapturedAt time.Time                   `json:"captured_at"`
	Classes    map[string]*ClassDetections `json:"classes"`

	// shelves is the map of the run that produced the summary
	shelves *shelf.Map
}

// NewSummary creates an empty summary for a frame
func NewSummary(sourceID string, capturedAt time.Time) *Summary {
	return &Summary{
		SourceID:   sourceID,
		CapturedAt: capturedAt,
		Classes:    make(map[string]*ClassDetections),
	}
}

// Add folds one detected object into the summary
func (s *Summary) Add(obj detection.Object) {
	c, ok := s.Classes[obj.ClassName]
	if !ok {
		c = &ClassDetections{}
		s.Classes[obj.ClassName] = c
	}
	c.Count++
	if c.Count == 1 || obj.Confidence > c.MaxConfidence {
		c.MaxConfidence = obj.Confidence
	}
	c.BoundingBoxes = append(c.BoundingBoxes, obj.BoundingBox)
}

// Snapshot is the stock estimate produced from one summary. Exactly one of
// StockLevels (no shelf map) and ShelfLevels (shelf map supplied) is set.
type Snapshot struct {
	ID          string
	SourceID    string
	CapturedAt  time.Time
	StockLevels map[string]int
	ShelfLevels map[string]map[string]int
}

// PerShelf reports whether the snapshot is broken down by shelf
func (s *Snapshot) PerShelf() bool {
	return s.ShelfLevels != nil
}

// MarshalJSON emits stock_levels as a flat item map or as shelf -> item map
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	var levels interface{} = s.StockLevels
	if s.PerShelf() {
		levels = s.ShelfLevels
	} else if s.StockLevels == nil {
		levels = map[string]int{}
	}

	return json.Marshal(struct {
		ID          string      `json:"id,omitempty"`
		SourceID    string      `json:"source_id"`
		CapturedAt  time.Time   `json:"captured_at"`
		PerShelf    bool        `json:"per_shelf"`
		StockLevels interface{} `json:"stock_levels"`
	}{
		ID:          s.ID,
		SourceID:    s.SourceID,
		CapturedAt:  s.CapturedAt,
		PerShelf:    s.PerShelf(),
		StockLevels: levels,
	})
}

// Stats holds cumulative pipeline counters
type Stats struct {
	FramesCaptured   atomic.Int64
	FramesDropped    atomic.Int64
	FramesDetected   atomic.Int64
	DetectionErrors  atomic.Int64
	SummariesEvicted atomic.Int64
	SourcesFailed    atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	FramesCaptured   int64 `json:"frames_captured"`
	FramesDropped    int64 `json:"frames_dropped"`
	FramesDetected   int64 `json:"frames_detected"`
	DetectionErrors  int64 `json:"detection_errors"`
	SummariesEvicted int64 `json:"summaries_evicted"`
	SourcesFailed    int64 `json:"sources_failed"`
}

// Snapshot copies the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		FramesCaptured:   s.FramesCaptured.Load(),
		FramesDropped:    s.FramesDropped.Load(),
		FramesDetected:   s.FramesDetected.Load(),
		DetectionErrors:  s.DetectionErrors.Load(),
		SummariesEvicted: s.SummariesEvicted.Load(),
		SourcesFailed:    s.SourcesFailed.Load(),
	}
}

// BufferStatus reports the fill level of a buffer
type BufferStatus struct {
	Len int `json:"len"`
	Cap int `json:"cap"`
}

// Status is the controller state exposed to operators
type Status struct {
	Running      bool          `json:"running"`
	Sources      []string      `json:"sources"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	Shelves      int           `json:"shelves"`
	FrameBuffer  BufferStatus  `json:"frame_buffer"`
	ResultBuffer BufferStatus  `json:"result_buffer"`
	Stats        StatsSnapshot `json:"stats"`
}
