// Package snapshots persists stock snapshots and low stock alerts
package snapshots

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/stockwatch/internal/database"
	"github.com/Spatial-NVR/stockwatch/internal/pipeline"
)

// ErrNotFound is returned when no snapshot matches
var ErrNotFound = errors.New("snapshot not found")

// DefaultListLimit caps List results when no limit is given
const DefaultListLimit = 50

// Filter narrows List results. Zero values match everything.
type Filter struct {
	SourceID string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// LevelPoint is one observation of an item count
type LevelPoint struct {
	SnapshotID string    `json:"snapshot_id"`
	SourceID   string    `json:"source_id"`
	ShelfID    string    `json:"shelf_id,omitempty"`
	Count      int       `json:"count"`
	CapturedAt time.Time `json:"captured_at"`
}

// Repository stores snapshots in SQLite
type Repository struct {
	db     *database.DB
	logger *slog.Logger
}

// NewRepository creates a repository on a migrated database
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db, logger: slog.Default().With("component", "snapshots")}
}

// Save inserts a snapshot and its per-item level rows. A missing ID is
// generated.
func (r *Repository) Save(ctx context.Context, snap *pipeline.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}

	levels, err := encodeLevels(snap)
	if err != nil {
		return err
	}

	return r.db.Transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stock_snapshots (id, source_id, captured_at, per_shelf, levels)
			VALUES (?, ?, ?, ?, ?)
		`, snap.ID, snap.SourceID, snap.CapturedAt.UnixMilli(), snap.PerShelf(), levels)
		if err != nil {
			return fmt.Errorf("failed to insert snapshot: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO stock_levels (snapshot_id, shelf_id, item, count) VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		insert := func(shelfID string, items map[string]int) error {
			for item, count := range items {
				if _, err := stmt.ExecContext(ctx, snap.ID, shelfID, item, count); err != nil {
					return fmt.Errorf("failed to insert level %s/%s: %w", shelfID, item, err)
				}
			}
			return nil
		}

		if snap.PerShelf() {
			for shelfID, items := range snap.ShelfLevels {
				if err := insert(shelfID, items); err != nil {
					return err
				}
			}
			return nil
		}
		return insert("", snap.StockLevels)
	})
}

// Get returns a snapshot by ID
func (r *Repository) Get(ctx context.Context, id string) (*pipeline.Snapshot, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_id, captured_at, per_shelf, levels
		FROM stock_snapshots WHERE id = ?
	`, id)

	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

// List returns snapshots newest first
func (r *Repository) List(ctx context.Context, f Filter) ([]*pipeline.Snapshot, error) {
	var where []string
	var args []interface{}

	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if !f.Since.IsZero() {
		where = append(where, "captured_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "captured_at <= ?")
		args = append(args, f.Until.UnixMilli())
	}

	query := "SELECT id, source_id, captured_at, per_shelf, levels FROM stock_snapshots"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query += " ORDER BY captured_at DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	result := []*pipeline.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// Latest returns the newest snapshot for a source, or across all sources
// when sourceID is empty
func (r *Repository) Latest(ctx context.Context, sourceID string) (*pipeline.Snapshot, error) {
	list, err := r.List(ctx, Filter{SourceID: sourceID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// LatestPerSource returns the newest snapshot of every source, ordered by
// source ID
func (r *Repository) LatestPerSource(ctx context.Context) ([]*pipeline.Snapshot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.id, s.source_id, s.captured_at, s.per_shelf, s.levels
		FROM stock_snapshots s
		JOIN (
			SELECT source_id, MAX(captured_at) AS captured_at
			FROM stock_snapshots GROUP BY source_id
		) latest ON latest.source_id = s.source_id AND latest.captured_at = s.captured_at
		GROUP BY s.source_id
		ORDER BY s.source_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest snapshots: %w", err)
	}
	defer rows.Close()

	result := []*pipeline.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

// ItemHistory returns counts of one item over time, oldest first. An empty
// shelfID matches every shelf and flat snapshots.
func (r *Repository) ItemHistory(ctx context.Context, item, shelfID string, since time.Time) ([]LevelPoint, error) {
	query := `
		SELECT s.id, s.source_id, l.shelf_id, l.count, s.captured_at
		FROM stock_levels l
		JOIN stock_snapshots s ON s.id = l.snapshot_id
		WHERE l.item = ? AND s.captured_at >= ?`
	args := []interface{}{item, since.UnixMilli()}
	if shelfID != "" {
		query += " AND l.shelf_id = ?"
		args = append(args, shelfID)
	}
	query += " ORDER BY s.captured_at ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query item history: %w", err)
	}
	defer rows.Close()

	points := []LevelPoint{}
	for rows.Next() {
		var p LevelPoint
		var capturedAt int64
		if err := rows.Scan(&p.SnapshotID, &p.SourceID, &p.ShelfID, &p.Count, &capturedAt); err != nil {
			return nil, err
		}
		p.CapturedAt = time.UnixMilli(capturedAt).UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

// Prune deletes snapshots captured before cutoff along with their levels and
// alerts. The file is compacted only when something was deleted.
func (r *Repository) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, "DELETE FROM stock_snapshots WHERE captured_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := result.RowsAffected()

	if _, err := r.db.ExecContext(ctx, "DELETE FROM low_stock_alerts WHERE captured_at < ?", cutoff.UnixMilli()); err != nil {
		return n, fmt.Errorf("failed to prune alerts: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	res, err := r.db.Compact(ctx)
	if err != nil {
		return n, fmt.Errorf("compact failed: %w", err)
	}
	if res.Busy {
		r.logger.Debug("WAL checkpoint incomplete, readers active", "frames", res.LogFrames, "checkpointed", res.Checkpointed)
	}
	return n, nil
}

// SaveAlert stores a low stock alert
func (r *Repository) SaveAlert(ctx context.Context, a pipeline.LowStockAlert) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO low_stock_alerts (id, snapshot_id, source_id, shelf_id, item, count, minimum, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SnapshotID, a.SourceID, a.ShelfID, a.Item, a.Count, a.Minimum, a.CapturedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// ListAlerts returns the most recent alerts, newest first
func (r *Repository) ListAlerts(ctx context.Context, limit int) ([]pipeline.LowStockAlert, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, snapshot_id, source_id, shelf_id, item, count, minimum, captured_at
		FROM low_stock_alerts ORDER BY captured_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	alerts := []pipeline.LowStockAlert{}
	for rows.Next() {
		var a pipeline.LowStockAlert
		var capturedAt int64
		if err := rows.Scan(&a.ID, &a.SnapshotID, &a.SourceID, &a.ShelfID, &a.Item, &a.Count, &a.Minimum, &capturedAt); err != nil {
			return nil, err
		}
		a.CapturedAt = time.UnixMilli(capturedAt).UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(row scanner) (*pipeline.Snapshot, error) {
	snap := &pipeline.Snapshot{}
	var capturedAt int64
	var perShelf bool
	var levels string

	if err := row.Scan(&snap.ID, &snap.SourceID, &capturedAt, &perShelf, &levels); err != nil {
		return nil, err
	}
	snap.CapturedAt = time.UnixMilli(capturedAt).UTC()

	if perShelf {
		snap.ShelfLevels = map[string]map[string]int{}
		if err := json.Unmarshal([]byte(levels), &snap.ShelfLevels); err != nil {
			return nil, fmt.Errorf("corrupt levels for snapshot %s: %w", snap.ID, err)
		}
		return snap, nil
	}

	snap.StockLevels = map[string]int{}
	if err := json.Unmarshal([]byte(levels), &snap.StockLevels); err != nil {
		return nil, fmt.Errorf("corrupt levels for snapshot %s: %w", snap.ID, err)
	}
	return snap, nil
}

func encodeLevels(snap *pipeline.Snapshot) (string, error) {
	var v interface{} = snap.StockLevels
	if snap.PerShelf() {
		v = snap.ShelfLevels
	} else if snap.StockLevels == nil {
		v = map[string]int{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode levels: %w", err)
	}
	return string(data), nil
}
