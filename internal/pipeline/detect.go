package pipeline

import (
	"context"
	"log/slog"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// DefaultConfidenceThreshold is the minimum confidence an object must exceed
const DefaultConfidenceThreshold = 0.5

// Summarize keeps objects whose confidence is strictly greater than threshold
// and groups them by class in detection order
func Summarize(frame *detection.Frame, objects []detection.Object, threshold float64) *Summary {
	summary := NewSummary(frame.SourceID, frame.CapturedAt)
	for _, obj := range objects {
		if obj.Confidence > threshold {
			summary.Add(obj)
		}
	}
	return summary
}

// detectWorker scores frames one at a time
type detectWorker struct {
	detector  detection.Detector
	threshold float64
	shelves   *shelf.Map
	frames    *FrameBuffer
	results   *ResultBuffer
	stats     *Stats
	logger    *slog.Logger
}

// run drains the frame buffer until ctx is cancelled. A frame the detector
// fails on is skipped and produces no summary.
func (w *detectWorker) run(ctx context.Context) {
	w.logger.Info("Detection worker started", "threshold", w.threshold)

	for {
		frame, ok := w.frames.Take(ctx)
		if !ok {
			break
		}

		objects, err := w.detector.Detect(ctx, frame)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.stats.DetectionErrors.Add(1)
			w.logger.Debug("Detection failed", "source", frame.SourceID, "error", err)
			continue
		}

		w.stats.FramesDetected.Add(1)
		summary := Summarize(frame, objects, w.threshold)
		summary.shelves = w.shelves
		if w.results.Push(summary) {
			w.stats.SummariesEvicted.Add(1)
		}
	}

	w.logger.Info("Detection worker stopped")
}
