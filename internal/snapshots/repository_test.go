package snapshots

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Spatial-NVR/stockwatch/internal/database"
	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.Open(&database.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return NewRepository(db)
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func shelfSnapshot(source string, at time.Time, levels map[string]map[string]int) *pipeline.Snapshot {
	return &pipeline.Snapshot{SourceID: source, CapturedAt: at, ShelfLevels: levels}
}

func TestRepository_SaveAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	snap := shelfSnapshot("cam1", base, map[string]map[string]int{
		"A": {"apple": 2},
		"B": {},
	})
	if err := repo.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if snap.ID == "" {
		t.Fatal("Save should assign an ID")
	}

	got, err := repo.Get(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.SourceID != "cam1" || !got.CapturedAt.Equal(base) {
		t.Errorf("Unexpected snapshot header: %+v", got)
	}
	if !got.PerShelf() || !reflect.DeepEqual(got.ShelfLevels, snap.ShelfLevels) {
		t.Errorf("Expected %v, got %v", snap.ShelfLevels, got.ShelfLevels)
	}
}

func TestRepository_SaveFlat(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	snap := &pipeline.Snapshot{ID: "flat-1", SourceID: "cam1", CapturedAt: base, StockLevels: map[string]int{"milk": 4}}
	if err := repo.Save(ctx, snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Get(ctx, "flat-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PerShelf() || got.StockLevels["milk"] != 4 {
		t.Errorf("Expected flat milk 4, got %+v", got)
	}
}

func TestRepository_GetNotFound(t *testing.T) {
	repo := setupTestRepo(t)

	if _, err := repo.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Latest(context.Background(), ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from empty Latest, got %v", err)
	}
}

func TestRepository_List(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		source := "cam1"
		if i%2 == 1 {
			source = "cam2"
		}
		snap := &pipeline.Snapshot{SourceID: source, CapturedAt: base.Add(time.Duration(i) * time.Second), StockLevels: map[string]int{}}
		if err := repo.Save(ctx, snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"by source", Filter{SourceID: "cam2"}, 2},
		{"limit", Filter{Limit: 3}, 3},
		{"since", Filter{Since: base.Add(3 * time.Second)}, 2},
		{"until", Filter{Until: base.Add(time.Second)}, 2},
		{"no match", Filter{SourceID: "cam9"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if len(list) != tt.want {
				t.Errorf("Expected %d snapshots, got %d", tt.want, len(list))
			}
			for i := 1; i < len(list); i++ {
				if list[i].CapturedAt.After(list[i-1].CapturedAt) {
					t.Error("Snapshots should be newest first")
				}
			}
		})
	}
}

func TestRepository_Latest(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_ = repo.Save(ctx, &pipeline.Snapshot{ID: "old", SourceID: "cam1", CapturedAt: base, StockLevels: map[string]int{}})
	_ = repo.Save(ctx, &pipeline.Snapshot{ID: "new", SourceID: "cam1", CapturedAt: base.Add(time.Minute), StockLevels: map[string]int{}})
	_ = repo.Save(ctx, &pipeline.Snapshot{ID: "other", SourceID: "cam2", CapturedAt: base.Add(time.Second), StockLevels: map[string]int{}})

	latest, err := repo.Latest(ctx, "cam1")
	if err != nil || latest.ID != "new" {
		t.Errorf("Expected latest 'new', got %+v, %v", latest, err)
	}

	all, err := repo.LatestPerSource(ctx)
	if err != nil {
		t.Fatalf("LatestPerSource failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "new" || all[1].ID != "other" {
		t.Errorf("Unexpected latest per source: %+v", all)
	}
}

func TestRepository_ItemHistory(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, n := range []int{5, 3, 1} {
		snap := shelfSnapshot("cam1", base.Add(time.Duration(i)*time.Minute), map[string]map[string]int{
			"A": {"apple": n},
			"B": {"apple": 10},
		})
		if err := repo.Save(ctx, snap); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	points, err := repo.ItemHistory(ctx, "apple", "A", time.Time{})
	if err != nil {
		t.Fatalf("ItemHistory failed: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("Expected 3 points, got %d", len(points))
	}
	for i, want := range []int{5, 3, 1} {
		if points[i].Count != want || points[i].ShelfID != "A" {
			t.Errorf("Point %d: expected A=%d, got %+v", i, want, points[i])
		}
	}

	all, _ := repo.ItemHistory(ctx, "apple", "", base.Add(time.Minute))
	if len(all) != 4 {
		t.Errorf("Expected 4 points across shelves since 1m, got %d", len(all))
	}
}

func TestRepository_Prune(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_ = repo.Save(ctx, shelfSnapshot("cam1", base, map[string]map[string]int{"A": {"apple": 1}}))
	keep := shelfSnapshot("cam1", base.Add(time.Hour), map[string]map[string]int{"A": {"apple": 2}})
	_ = repo.Save(ctx, keep)
	_ = repo.SaveAlert(ctx, pipeline.LowStockAlert{ID: "a1", SourceID: "cam1", ShelfID: "A", Item: "apple", Count: 1, Minimum: 2, CapturedAt: base})

	n, err := repo.Prune(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 pruned snapshot, got %d", n)
	}

	list, _ := repo.List(ctx, Filter{})
	if len(list) != 1 || list[0].ID != keep.ID {
		t.Errorf("Expected only the newer snapshot, got %+v", list)
	}
	points, _ := repo.ItemHistory(ctx, "apple", "", time.Time{})
	if len(points) != 1 {
		t.Errorf("Levels of pruned snapshot should be gone, got %d points", len(points))
	}
	alerts, _ := repo.ListAlerts(ctx, 0)
	if len(alerts) != 0 {
		t.Errorf("Expected alerts pruned, got %d", len(alerts))
	}
}

func TestRepository_Alerts(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for i, item := range []string{"apple", "pear", "milk"} {
		alert := pipeline.LowStockAlert{
			ID:         "alert-" + item,
			SnapshotID: "snap",
			SourceID:   "cam1",
			ShelfID:    "A",
			Item:       item,
			Count:      i,
			Minimum:    5,
			CapturedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.SaveAlert(ctx, alert); err != nil {
			t.Fatalf("SaveAlert failed: %v", err)
		}
	}

	alerts, err := repo.ListAlerts(ctx, 2)
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("Expected 2 alerts, got %d", len(alerts))
	}
	if alerts[0].Item != "milk" || alerts[0].Count != 2 || alerts[0].Minimum != 5 {
		t.Errorf("Expected newest alert first, got %+v", alerts[0])
	}
	if !alerts[1].CapturedAt.Equal(base.Add(time.Second)) {
		t.Errorf("Unexpected captured_at %v", alerts[1].CapturedAt)
	}
}
