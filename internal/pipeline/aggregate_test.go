package pipeline

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/detection"
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// boxAt returns a small box centered on (x, y)
func boxAt(x, y float64) detection.BoundingBox {
	return detection.BoundingBox{X1: x - 0.05, Y1: y - 0.05, X2: x + 0.05, Y2: y + 0.05}
}

func summaryWith(boxes map[string][]detection.BoundingBox) *Summary {
	s := NewSummary("cam1", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	for class, bb := range boxes {
		for _, b := range bb {
			s.Add(detection.Object{ClassName: class, Confidence: 0.9, BoundingBox: b})
		}
	}
	return s
}

func halves(t *testing.T) *shelf.Map {
	t.Helper()
	m, err := shelf.NewMap([]shelf.Region{
		{ID: "A", X1: 0, Y1: 0, X2: 0.5, Y2: 1},
		{ID: "B", X1: 0.5, Y1: 0, X2: 1, Y2: 1},
	})
	if err != nil {
		t.Fatalf("NewMap failed: %v", err)
	}
	return m
}

func TestEstimate_NoShelves(t *testing.T) {
	s := summaryWith(map[string][]detection.BoundingBox{
		"apple":  {boxAt(0.2, 0.5), boxAt(0.8, 0.5)},
		"banana": {boxAt(0.1, 0.1)},
	})

	snap := Estimate(s, nil)

	if snap.PerShelf() {
		t.Error("Expected flat snapshot without shelves")
	}
	want := map[string]int{"apple": 2, "banana": 1}
	if !reflect.DeepEqual(snap.StockLevels, want) {
		t.Errorf("Expected %v, got %v", want, snap.StockLevels)
	}
	if snap.SourceID != "cam1" || !snap.CapturedAt.Equal(s.CapturedAt) {
		t.Errorf("Snapshot should carry source and timestamp, got %s %v", snap.SourceID, snap.CapturedAt)
	}
}

func TestEstimate_DisjointShelves(t *testing.T) {
	s := summaryWith(map[string][]detection.BoundingBox{
		"apple": {boxAt(0.2, 0.5), boxAt(0.8, 0.5)},
	})

	snap := Estimate(s, halves(t))

	want := map[string]map[string]int{
		"A": {"apple": 1},
		"B": {"apple": 1},
	}
	if !reflect.DeepEqual(snap.ShelfLevels, want) {
		t.Errorf("Expected %v, got %v", want, snap.ShelfLevels)
	}
}

func TestEstimate_SharedBoundary(t *testing.T) {
	s := summaryWith(map[string][]detection.BoundingBox{
		"apple": {{X1: 0.4, Y1: 0.4, X2: 0.6, Y2: 0.6}},
	})

	snap := Estimate(s, halves(t))

	want := map[string]map[string]int{
		"A": {"apple": 1},
		"B": {"apple": 1},
	}
	if !reflect.DeepEqual(snap.ShelfLevels, want) {
		t.Errorf("Box on shared edge should count for both shelves, got %v", snap.ShelfLevels)
	}
}

func TestEstimate_OverlapAndOutside(t *testing.T) {
	m, _ := shelf.NewMap([]shelf.Region{
		{ID: "top", X1: 0, Y1: 0, X2: 1, Y2: 0.6},
		{ID: "middle", X1: 0, Y1: 0.4, X2: 1, Y2: 0.8},
		{ID: "empty", X1: 0, Y1: 0.9, X2: 0.1, Y2: 1},
	})

	s := summaryWith(map[string][]detection.BoundingBox{
		"milk":  {boxAt(0.5, 0.5), boxAt(0.5, 0.1)},
		"bread": {boxAt(0.9, 0.95)}, // in no shelf
	})

	snap := Estimate(s, m)

	want := map[string]map[string]int{
		"top":    {"milk": 2},
		"middle": {"milk": 1},
		"empty":  {},
	}
	if !reflect.DeepEqual(snap.ShelfLevels, want) {
		t.Errorf("Expected %v, got %v", want, snap.ShelfLevels)
	}
	if _, ok := snap.ShelfLevels["top"]["bread"]; ok {
		t.Error("Zero counts must not be emitted")
	}
}

func TestSnapshot_MarshalJSON(t *testing.T) {
	flat := &Snapshot{ID: "1", SourceID: "cam1", StockLevels: map[string]int{"apple": 2}}
	data, err := json.Marshal(flat)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]interface{}
	_ = json.Unmarshal(data, &decoded)
	if decoded["per_shelf"] != false {
		t.Errorf("Expected per_shelf false, got %v", decoded["per_shelf"])
	}
	levels := decoded["stock_levels"].(map[string]interface{})
	if levels["apple"] != float64(2) {
		t.Errorf("Expected apple 2, got %v", levels["apple"])
	}

	nested := &Snapshot{SourceID: "cam1", ShelfLevels: map[string]map[string]int{"A": {"apple": 1}}}
	data, _ = json.Marshal(nested)
	decoded = nil
	_ = json.Unmarshal(data, &decoded)
	if decoded["per_shelf"] != true {
		t.Errorf("Expected per_shelf true, got %v", decoded["per_shelf"])
	}
	shelfA := decoded["stock_levels"].(map[string]interface{})["A"].(map[string]interface{})
	if shelfA["apple"] != float64(1) {
		t.Errorf("Expected A.apple 1, got %v", shelfA["apple"])
	}
}
