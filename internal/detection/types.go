// Package detection provides the frame sources and object detection backends
// consumed by the stock-level pipeline
package detection

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfStream is returned by a FrameSource that has no more frames
var ErrEndOfStream = errors.New("end of stream")

// BoundingBox is an axis-aligned box given by its corners. Detectors report
// boxes in normalized (0-1) frame coordinates.
type BoundingBox struct {
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
	X2 float64 `json:"x2" yaml:"x2"`
	Y2 float64 `json:"y2" yaml:"y2"`
}

// Center returns the center point of the bounding box
func (b BoundingBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Width returns the box width
func (b BoundingBox) Width() float64 {
	return b.X2 - b.X1
}

// Height returns the box height
func (b BoundingBox) Height() float64 {
	return b.Y2 - b.Y1
}

// Object is a single object reported by a detector for one frame
type Object struct {
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BoundingBox BoundingBox `json:"bounding_box"`
}

// Frame is one captured image plus its origin
type Frame struct {
	SourceID   string
	CapturedAt time.Time
	Sequence   int64
	Data       []byte // Encoded image (JPEG/PNG)
	Width      int
	Height     int
	Format     string
}

// Detector runs an object detection model on a single image. Implementations
// must be safe to call repeatedly and must not retain the frame.
type Detector interface {
	Detect(ctx context.Context, frame *Frame) ([]Object, error)
}

// FrameSource yields frames from one camera or recording. NextFrame blocks
// until a frame is available and returns ErrEndOfStream once exhausted.
// Any other error is a transport failure.
type FrameSource interface {
	NextFrame(ctx context.Context) (*Frame, error)
	Close() error
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, frame *Frame) ([]Object, error)

// Detect calls f(ctx, frame)
func (f DetectorFunc) Detect(ctx context.Context, frame *Frame) ([]Object, error) {
	return f(ctx, frame)
}
