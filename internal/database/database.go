// Package database provides SQLite storage for stock snapshots
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQL connection pool
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

// Config holds database configuration
type Config struct {
	Path         string
	MaxOpenConns int
	// BusyTimeout bounds how long a writer waits for the reporter's
	// snapshot inserts or a prune to release the lock
	BusyTimeout time.Duration
	// CacheKiB is the per-connection page cache size
	CacheKiB int
}

// DefaultConfig returns the default configuration for a data directory
func DefaultConfig(dataDir string) *Config {
	return &Config{
		Path:         filepath.Join(dataDir, "stockwatch.db"),
		MaxOpenConns: 8,
		BusyTimeout:  5 * time.Second,
		CacheKiB:     8 * 1024,
	}
}

// dsn encodes the connection pragmas. Snapshot writes are small and
// frequent, so the WAL runs with NORMAL sync and transactions take the write
// lock up front. Incremental auto-vacuum lets retention pruning hand pages
// back without a full VACUUM; it only takes effect on a new file.
func (cfg *Config) dsn() string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}

	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	q.Set("_txlock", "immediate")
	q.Set("_auto_vacuum", "incremental")
	q.Set("_busy_timeout", strconv.FormatInt(busy.Milliseconds(), 10))
	if cfg.CacheKiB > 0 {
		q.Set("_cache_size", strconv.Itoa(-cfg.CacheKiB))
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at cfg.Path
func Open(cfg *Config) (*DB, error) {
	logger := slog.Default().With("component", "database")

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database opened", "path", cfg.Path)
	return &DB{DB: db, path: cfg.Path, logger: logger}, nil
}

// Close closes the database
func (db *DB) Close() error {
	db.logger.Info("Closing database")
	return db.DB.Close()
}

// Path returns the database file path
func (db *DB) Path() string {
	return db.path
}

// Health pings the database with a short timeout
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Transaction runs fn inside a transaction, rolling back if it fails
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// CheckpointResult is the row reported by wal_checkpoint
type CheckpointResult struct {
	Busy         bool
	LogFrames    int
	Checkpointed int
}

// Compact copies the WAL back into the database file, truncates it, and
// releases free pages left by deletes. Busy is set when readers kept part of
// the WAL alive.
func (db *DB) Compact(ctx context.Context) (CheckpointResult, error) {
	var res CheckpointResult
	var busy int
	row := db.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err := row.Scan(&busy, &res.LogFrames, &res.Checkpointed); err != nil {
		return res, fmt.Errorf("wal checkpoint: %w", err)
	}
	res.Busy = busy != 0

	if _, err := db.ExecContext(ctx, "PRAGMA incremental_vacuum"); err != nil {
		return res, fmt.Errorf("incremental vacuum: %w", err)
	}
	return res, nil
}

// FreePages returns the number of unused pages in the database file
func (db *DB) FreePages(ctx context.Context) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&n)
	return n, err
}
