package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
)

func TestFrameBuffer_DropsWhenFull(t *testing.T) {
	buf := NewFrameBuffer(10)

	accepted, dropped := 0, 0
	for i := 0; i < 15; i++ {
		if buf.Offer(&detection.Frame{Sequence: int64(i)}) {
			accepted++
		} else {
			dropped++
		}
	}

	if accepted != 10 || dropped != 5 {
		t.Errorf("Expected 10 accepted and 5 dropped, got %d/%d", accepted, dropped)
	}
	if buf.Len() != 10 || buf.Cap() != 10 {
		t.Errorf("Expected len/cap 10/10, got %d/%d", buf.Len(), buf.Cap())
	}

	// The newest frames were the ones dropped
	frame, ok := buf.Take(context.Background())
	if !ok || frame.Sequence != 0 {
		t.Errorf("Expected oldest frame first, got %+v", frame)
	}
}

func TestFrameBuffer_DefaultCapacity(t *testing.T) {
	if got := NewFrameBuffer(0).Cap(); got != DefaultFrameBufferSize {
		t.Errorf("Expected default capacity %d, got %d", DefaultFrameBufferSize, got)
	}
}

func TestFrameBuffer_TakeCancelled(t *testing.T) {
	buf := NewFrameBuffer(2)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool)
	go func() {
		_, ok := buf.Take(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("Take should report end of stream after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return after cancel")
	}

	// Already cancelled context wins over queued frames
	buf.Offer(&detection.Frame{})
	if _, ok := buf.Take(ctx); ok {
		t.Error("Take should not return frames after cancel")
	}
}

func TestFrameBuffer_PerSourceOrder(t *testing.T) {
	buf := NewFrameBuffer(10)
	for i := 0; i < 3; i++ {
		buf.Offer(&detection.Frame{SourceID: "a", Sequence: int64(i)})
		buf.Offer(&detection.Frame{SourceID: "b", Sequence: int64(i)})
	}

	last := map[string]int64{"a": -1, "b": -1}
	for buf.Len() > 0 {
		frame, _ := buf.Take(context.Background())
		if frame.Sequence <= last[frame.SourceID] {
			t.Errorf("Out of order frame for %s: %d after %d", frame.SourceID, frame.Sequence, last[frame.SourceID])
		}
		last[frame.SourceID] = frame.Sequence
	}
}

func TestFrameBuffer_SlowConsumer(t *testing.T) {
	buf := NewFrameBuffer(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var offered, delivered atomic.Int64
	var wg sync.WaitGroup

	for p := 0; p < 3; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				offered.Add(1)
				buf.Offer(&detection.Frame{})
				if buf.Len() > buf.Cap() {
					t.Errorf("Buffer exceeded capacity: %d", buf.Len())
				}
			}
		}()
	}

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		for {
			if _, ok := buf.Take(ctx); !ok {
				return
			}
			delivered.Add(1)
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-consumerDone

	if delivered.Load() > offered.Load() {
		t.Errorf("Delivered %d frames but only %d offered", delivered.Load(), offered.Load())
	}
	if delivered.Load() == offered.Load() {
		t.Error("Expected some frames to be dropped under a slow consumer")
	}
}

func TestResultBuffer_DropsOldest(t *testing.T) {
	buf := NewResultBuffer(3)

	evicted := 0
	for i := 0; i < 5; i++ {
		if buf.Push(&Summary{SourceID: string(rune('a' + i))}) {
			evicted++
		}
	}

	if evicted != 2 {
		t.Errorf("Expected 2 evictions, got %d", evicted)
	}
	if buf.Len() != 3 {
		t.Errorf("Expected 3 buffered, got %d", buf.Len())
	}

	for _, want := range []string{"c", "d", "e"} {
		s, ok := buf.Poll()
		if !ok || s.SourceID != want {
			t.Errorf("Expected %s, got %+v", want, s)
		}
	}

	if _, ok := buf.Poll(); ok {
		t.Error("Expected empty buffer")
	}
}

func TestResultBuffer_Interleaved(t *testing.T) {
	buf := NewResultBuffer(2)

	buf.Push(&Summary{SourceID: "1"})
	buf.Push(&Summary{SourceID: "2"})
	if s, _ := buf.Poll(); s.SourceID != "1" {
		t.Errorf("Expected 1, got %s", s.SourceID)
	}
	buf.Push(&Summary{SourceID: "3"})
	buf.Push(&Summary{SourceID: "4"})

	if s, _ := buf.Poll(); s.SourceID != "3" {
		t.Errorf("Expected 3, got %s", s.SourceID)
	}
	if s, _ := buf.Poll(); s.SourceID != "4" {
		t.Errorf("Expected 4, got %s", s.SourceID)
	}
	if buf.Cap() != 2 {
		t.Errorf("Expected cap 2, got %d", buf.Cap())
	}
}
