package detection

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Source types
const (
	SourceSnapshot  = "snapshot"
	SourceDirectory = "directory"
)

// SourceConfig describes where a camera's frames come from
type SourceConfig struct {
	Type   string // snapshot or directory
	URL    string // go2rtc base URL for snapshot sources
	Stream string // go2rtc stream name, defaults to the source ID
	Path   string // image directory for directory sources
	FPS    int
	Loop   bool // restart a directory source when exhausted
}

// OpenSource creates the frame source for a camera
func OpenSource(sourceID string, cfg SourceConfig) (FrameSource, error) {
	switch cfg.Type {
	case SourceSnapshot, "":
		return NewSnapshotSource(sourceID, cfg.URL, cfg.Stream, cfg.FPS)
	case SourceDirectory:
		return NewDirectorySource(sourceID, cfg.Path, cfg.FPS, cfg.Loop)
	default:
		return nil, fmt.Errorf("unknown source type %q for %s", cfg.Type, sourceID)
	}
}

// pacer spaces successive reads to a target frame rate
type pacer struct {
	interval time.Duration
	next     time.Time
}

func newPacer(fps int) *pacer {
	if fps <= 0 {
		return &pacer{}
	}
	return &pacer{interval: time.Second / time.Duration(fps)}
}

func (p *pacer) wait(ctx context.Context) error {
	if p.interval == 0 {
		return ctx.Err()
	}
	now := time.Now()
	if p.next.After(now) {
		timer := time.NewTimer(p.next.Sub(now))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		now = p.next
	}
	p.next = now.Add(p.interval)
	return nil
}

// SnapshotSource pulls JPEG snapshots from a go2rtc frame endpoint
type SnapshotSource struct {
	mu         sync.Mutex
	sourceID   string
	frameURL   string
	httpClient *http.Client
	pacer      *pacer
	sequence   int64
	logger     *slog.Logger
}

// NewSnapshotSource creates a snapshot source. fps <= 0 defaults to 5.
func NewSnapshotSource(sourceID, baseURL, stream string, fps int) (*SnapshotSource, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("snapshot source %s: url is required", sourceID)
	}
	if stream == "" {
		// go2rtc uses lowercase stream names
		stream = strings.ToLower(strings.ReplaceAll(sourceID, " ", "_"))
	}
	if fps <= 0 {
		fps = 5
	}

	return &SnapshotSource{
		sourceID: sourceID,
		frameURL: fmt.Sprintf("%s/api/frame.jpeg?src=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(stream)),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		pacer:  newPacer(fps),
		logger: slog.Default().With("component", "snapshot_source", "source", sourceID),
	}, nil
}

// NextFrame waits for the next frame slot and fetches a snapshot
func (s *SnapshotSource) NextFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pacer.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.frameURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch frame: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrEndOfStream
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame data: %w", err)
	}

	frame, err := newFrame(s.sourceID, data)
	if err != nil {
		return nil, err
	}

	s.sequence++
	frame.Sequence = s.sequence
	return frame, nil
}

// Close is a no-op for snapshot sources
func (s *SnapshotSource) Close() error {
	return nil
}

// DirectorySource replays the images of a directory in lexical order
type DirectorySource struct {
	mu       sync.Mutex
	sourceID string
	files    []string
	pos      int
	loop     bool
	pacer    *pacer
	sequence int64
	closed   bool
}

// NewDirectorySource lists the JPEG/PNG images in dir. fps <= 0 replays
// without pacing.
func NewDirectorySource(sourceID, dir string, fps int, loop bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images found in %s", dir)
	}
	sort.Strings(files)

	return &DirectorySource{
		sourceID: sourceID,
		files:    files,
		loop:     loop,
		pacer:    newPacer(fps),
	}, nil
}

// NextFrame returns the next image, or ErrEndOfStream when the directory is
// exhausted and looping is disabled
func (d *DirectorySource) NextFrame(ctx context.Context) (*Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrEndOfStream
	}
	if d.pos >= len(d.files) {
		if !d.loop {
			return nil, ErrEndOfStream
		}
		d.pos = 0
	}
	if err := d.pacer.wait(ctx); err != nil {
		return nil, err
	}

	path := d.files[d.pos]
	d.pos++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %s: %w", path, err)
	}

	frame, err := newFrame(d.sourceID, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	d.sequence++
	frame.Sequence = d.sequence
	return frame, nil
}

// Close stops the source; later reads report end of stream
func (d *DirectorySource) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func newFrame(sourceID string, data []byte) (*Frame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return &Frame{
		SourceID:   sourceID,
		CapturedAt: time.Now(),
		Data:       data,
		Width:      cfg.Width,
		Height:     cfg.Height,
		Format:     format,
	}, nil
}
