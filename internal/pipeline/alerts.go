package pipeline

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// LowStockAlert reports an item on a shelf below its restock minimum
type LowStockAlert struct {
	ID         string    `json:"id"`
	SnapshotID string    `json:"snapshot_id"`
	SourceID   string    `json:"source_id"`
	ShelfID    string    `json:"shelf_id"`
	Item       string    `json:"item"`
	Count      int       `json:"count"`
	Minimum    int       `json:"minimum"`
	CapturedAt time.Time `json:"captured_at"`
}

// CheckLowStock compares a per-shelf snapshot against minimums keyed by
// shelf then item. An item missing from a shelf counts as zero. Shelves not
// present in the snapshot and flat snapshots yield no alerts. Alerts are
// ordered by shelf then item.
func CheckLowStock(snap *Snapshot, minimums map[string]map[string]int) []LowStockAlert {
	if snap == nil || !snap.PerShelf() || len(minimums) == 0 {
		return nil
	}

	shelfIDs := make([]string, 0, len(minimums))
	for id := range minimums {
		shelfIDs = append(shelfIDs, id)
	}
	sort.Strings(shelfIDs)

	var alerts []LowStockAlert
	for _, shelfID := range shelfIDs {
		levels, ok := snap.ShelfLevels[shelfID]
		if !ok {
			continue
		}

		items := make([]string, 0, len(minimums[shelfID]))
		for item := range minimums[shelfID] {
			items = append(items, item)
		}
		sort.Strings(items)

		for _, item := range items {
			minimum := minimums[shelfID][item]
			count := levels[item]
			if count >= minimum {
				continue
			}
			alerts = append(alerts, LowStockAlert{
				ID:         uuid.New().String(),
				SnapshotID: snap.ID,
				SourceID:   snap.SourceID,
				ShelfID:    shelfID,
				Item:       item,
				Count:      count,
				Minimum:    minimum,
				CapturedAt: snap.CapturedAt,
			})
		}
	}
	return alerts
}
