package detection

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func createTestJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for x := 0; x < 100; x++ {
		for y := 0; y < 100; y++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}

	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80})
	return buf.Bytes()
}

func TestOpenSource(t *testing.T) {
	if _, err := OpenSource("cam1", SourceConfig{Type: "rtsp"}); err == nil {
		t.Error("Expected error for unknown source type")
	}

	src, err := OpenSource("cam1", SourceConfig{URL: "http://localhost:1984"})
	if err != nil {
		t.Fatalf("OpenSource failed: %v", err)
	}
	if _, ok := src.(*SnapshotSource); !ok {
		t.Errorf("Expected snapshot source by default, got %T", src)
	}
}

func TestSnapshotSource_NextFrame(t *testing.T) {
	jpegData := createTestJPEG()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/frame.jpeg" {
			t.Errorf("Unexpected path: %s", r.URL.Path)
		}
		if src := r.URL.Query().Get("src"); src != "aisle_1" {
			t.Errorf("Expected src aisle_1, got %s", src)
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegData)
	}))
	defer server.Close()

	src, err := NewSnapshotSource("Aisle 1", server.URL, "", 50)
	if err != nil {
		t.Fatalf("NewSnapshotSource failed: %v", err)
	}
	defer src.Close()

	for i := int64(1); i <= 2; i++ {
		frame, err := src.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("NextFrame failed: %v", err)
		}
		if frame.SourceID != "Aisle 1" {
			t.Errorf("Expected SourceID 'Aisle 1', got '%s'", frame.SourceID)
		}
		if frame.Width != 100 || frame.Height != 100 {
			t.Errorf("Expected dimensions 100x100, got %dx%d", frame.Width, frame.Height)
		}
		if frame.Format != "jpeg" {
			t.Errorf("Expected format 'jpeg', got '%s'", frame.Format)
		}
		if frame.Sequence != i {
			t.Errorf("Expected sequence %d, got %d", i, frame.Sequence)
		}
	}
}

func TestSnapshotSource_MissingURL(t *testing.T) {
	if _, err := NewSnapshotSource("cam1", "", "", 5); err == nil {
		t.Error("Expected error for missing url")
	}
}

func TestSnapshotSource_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	src, _ := NewSnapshotSource("cam1", server.URL, "", 5)

	_, err := src.NextFrame(context.Background())
	if err == nil || errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected transport error, got %v", err)
	}
}

func TestSnapshotSource_StreamGone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	src, _ := NewSnapshotSource("cam1", server.URL, "", 5)

	if _, err := src.NextFrame(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected ErrEndOfStream, got %v", err)
	}
}

func TestSnapshotSource_InvalidJPEG(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not a valid jpeg"))
	}))
	defer server.Close()

	src, _ := NewSnapshotSource("cam1", server.URL, "", 5)

	if _, err := src.NextFrame(context.Background()); err == nil {
		t.Error("Expected error for invalid JPEG data")
	}
}

func TestSnapshotSource_ContextCancelled(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		_, _ = w.Write(createTestJPEG())
	}))
	defer server.Close()

	src, _ := NewSnapshotSource("cam1", server.URL, "", 1)

	// First read consumes the slot, second must wait ~1s for pacing
	if _, err := src.NextFrame(context.Background()); err != nil {
		t.Fatalf("NextFrame failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := src.NextFrame(ctx); err == nil {
		t.Error("Expected error for cancelled context")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Cancellation should interrupt pacing")
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Expected 1 request, got %d", n)
	}
}

func writeImages(t *testing.T, dir string, names ...string) {
	t.Helper()
	data := createTestJPEG()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			t.Fatalf("Failed to write image: %v", err)
		}
	}
}

func TestDirectorySource(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, "002.jpg", "001.jpg")
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)

	src, err := NewDirectorySource("replay", dir, 0, false)
	if err != nil {
		t.Fatalf("NewDirectorySource failed: %v", err)
	}

	if len(src.files) != 2 || filepath.Base(src.files[0]) != "001.jpg" {
		t.Fatalf("Expected sorted image list, got %v", src.files)
	}

	for i := 0; i < 2; i++ {
		frame, err := src.NextFrame(context.Background())
		if err != nil {
			t.Fatalf("NextFrame %d failed: %v", i, err)
		}
		if frame.SourceID != "replay" {
			t.Errorf("Expected SourceID replay, got %s", frame.SourceID)
		}
	}

	if _, err := src.NextFrame(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected ErrEndOfStream, got %v", err)
	}
}

func TestDirectorySource_Loop(t *testing.T) {
	dir := t.TempDir()
	writeImages(t, dir, "a.jpg")

	src, err := NewDirectorySource("replay", dir, 0, true)
	if err != nil {
		t.Fatalf("NewDirectorySource failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := src.NextFrame(context.Background()); err != nil {
			t.Fatalf("NextFrame %d failed: %v", i, err)
		}
	}

	_ = src.Close()
	if _, err := src.NextFrame(context.Background()); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("Expected ErrEndOfStream after Close, got %v", err)
	}
}

func TestDirectorySource_Empty(t *testing.T) {
	if _, err := NewDirectorySource("replay", t.TempDir(), 0, false); err == nil {
		t.Error("Expected error for empty directory")
	}
	if _, err := NewDirectorySource("replay", "/nonexistent/dir", 0, false); err == nil {
		t.Error("Expected error for missing directory")
	}
}
