package pipeline

import (
	"testing"
	"time"
)

func TestCheckLowStock(t *testing.T) {
	snap := &Snapshot{
		ID:         "snap-1",
		SourceID:   "cam1",
		CapturedAt: time.Now(),
		ShelfLevels: map[string]map[string]int{
			"A": {"apple": 1, "pear": 5},
			"B": {},
		},
	}
	minimums := map[string]map[string]int{
		"A":     {"apple": 2, "pear": 5},
		"B":     {"milk": 1},
		"ghost": {"egg": 3},
	}

	alerts := CheckLowStock(snap, minimums)
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d: %+v", len(alerts), alerts)
	}

	if alerts[0].ShelfID != "A" || alerts[0].Item != "apple" || alerts[0].Count != 1 || alerts[0].Minimum != 2 {
		t.Errorf("Unexpected first alert: %+v", alerts[0])
	}
	if alerts[1].ShelfID != "B" || alerts[1].Item != "milk" || alerts[1].Count != 0 {
		t.Errorf("Missing item should alert with count 0, got %+v", alerts[1])
	}
	for _, a := range alerts {
		if a.ID == "" || a.SnapshotID != "snap-1" || a.SourceID != "cam1" || !a.CapturedAt.Equal(snap.CapturedAt) {
			t.Errorf("Alert missing snapshot context: %+v", a)
		}
	}
}

func TestCheckLowStock_Flat(t *testing.T) {
	snap := &Snapshot{SourceID: "cam1", StockLevels: map[string]int{}}
	if alerts := CheckLowStock(snap, map[string]map[string]int{"A": {"apple": 1}}); alerts != nil {
		t.Errorf("Flat snapshots should not alert, got %+v", alerts)
	}
	if alerts := CheckLowStock(nil, nil); alerts != nil {
		t.Error("Nil snapshot should not alert")
	}
}
