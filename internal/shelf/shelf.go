// Package shelf maps physical shelves to rectangular regions of a camera frame
package shelf

import (
	"fmt"
	"sort"
)

// Region is a shelf rectangle in normalized [0,1] frame coordinates
type Region struct {
	ID string  `json:"id" yaml:"id"`
	X1 float64 `json:"x1" yaml:"x1"`
	Y1 float64 `json:"y1" yaml:"y1"`
	X2 float64 `json:"x2" yaml:"x2"`
	Y2 float64 `json:"y2" yaml:"y2"`
}

// Contains reports whether the point lies inside the region. All four edges
// are inclusive, so a point on a boundary shared by two shelves belongs to both.
func (r Region) Contains(x, y float64) bool {
	return r.X1 <= x && x <= r.X2 && r.Y1 <= y && y <= r.Y2
}

// Validate checks that the region is well formed
func (r Region) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("shelf region has no id")
	}
	for _, v := range []float64{r.X1, r.Y1, r.X2, r.Y2} {
		if v < 0 || v > 1 {
			return fmt.Errorf("shelf %s: coordinates must be within [0,1]", r.ID)
		}
	}
	if r.X1 > r.X2 || r.Y1 > r.Y2 {
		return fmt.Errorf("shelf %s: x1/y1 must not exceed x2/y2", r.ID)
	}
	return nil
}

// Map is an immutable set of shelf regions. Regions may overlap.
type Map struct {
	regions []Region
}

// NewMap validates the regions and builds a map ordered by shelf ID
func NewMap(regions []Region) (*Map, error) {
	seen := make(map[string]bool, len(regions))
	out := make([]Region, 0, len(regions))

	for _, r := range regions {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate shelf id: %s", r.ID)
		}
		seen[r.ID] = true
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})

	return &Map{regions: out}, nil
}

// Regions returns a copy of the configured regions
func (m *Map) Regions() []Region {
	if m == nil {
		return nil
	}
	out := make([]Region, len(m.regions))
	copy(out, m.regions)
	return out
}

// Len returns the number of shelves
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.regions)
}

// Containing returns the IDs of every shelf whose region contains the point
func (m *Map) Containing(x, y float64) []string {
	if m == nil {
		return nil
	}
	var ids []string
	for _, r := range m.regions {
		if r.Contains(x, y) {
			ids = append(ids, r.ID)
		}
	}
	return ids
}
