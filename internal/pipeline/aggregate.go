package pipeline

import (
	"github.com/Spatial-NVR/stockwatch/internal/shelf"
)

// Estimate converts one summary into a stock snapshot. Without shelves the
// per-class counts are reported directly. With shelves every configured shelf
// appears in the result, and each box is counted on every shelf whose region
// contains its center. Zero counts are omitted.
func Estimate(summary *Summary, shelves *shelf.Map) *Snapshot {
	snap := &Snapshot{
		SourceID:   summary.SourceID,
		CapturedAt: summary.CapturedAt,
	}

	if shelves.Len() == 0 {
		snap.StockLevels = make(map[string]int, len(summary.Classes))
		for item, c := range summary.Classes {
			snap.StockLevels[item] = c.Count
		}
		return snap
	}

	snap.ShelfLevels = make(map[string]map[string]int, shelves.Len())
	for _, region := range shelves.Regions() {
		snap.ShelfLevels[region.ID] = make(map[string]int)
	}
	for item, c := range summary.Classes {
		for _, box := range c.BoundingBoxes {
			for _, id := range shelves.Containing(box.Center()) {
				snap.ShelfLevels[id][item]++
			}
		}
	}

	return snap
}
