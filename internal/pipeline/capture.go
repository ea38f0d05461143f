package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
)

// captureWorker moves frames from one source into the shared frame buffer
type captureWorker struct {
	sourceID string
	source   detection.FrameSource
	frames   *FrameBuffer
	stats    *Stats
	logger   *slog.Logger
}

// run reads until the source ends, fails or ctx is cancelled. A failing
// source only ends its own worker and is never retried.
func (w *captureWorker) run(ctx context.Context) {
	defer func() {
		if err := w.source.Close(); err != nil {
			w.logger.Debug("Failed to close frame source", "source", w.sourceID, "error", err)
		}
	}()

	w.logger.Info("Capture worker started", "source", w.sourceID)

	for ctx.Err() == nil {
		frame, err := w.source.NextFrame(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
			case errors.Is(err, detection.ErrEndOfStream):
				w.logger.Info("Frame source ended", "source", w.sourceID)
			default:
				w.stats.SourcesFailed.Add(1)
				w.logger.Warn("Frame source failed", "source", w.sourceID, "error", err)
			}
			break
		}

		frame.SourceID = w.sourceID
		if frame.CapturedAt.IsZero() {
			frame.CapturedAt = time.Now()
		}

		w.stats.FramesCaptured.Add(1)
		if !w.frames.Offer(frame) {
			w.stats.FramesDropped.Add(1)
			w.logger.Debug("Dropped frame", "source", w.sourceID, "sequence", frame.Sequence)
		}
	}

	w.logger.Info("Capture worker stopped", "source", w.sourceID)
}
