// Package storage persists per-file blend parse results in SQLite so a
// re-scan of an unchanged tree never re-reads or re-parses the files. Rows
// are keyed by path and validated against size and mtime; a touched file is
// simply a miss. Cache failures degrade to parsing fresh and never fail a
// scan.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/mordilloSan/go_logger/logger"

	"blendscan/blend"
)

const (
	defaultCachePath = "blendscan.db"
	busyTimeoutMS    = 5000
	schemaTimeout    = 30 * time.Second
)

// Open creates (or reuses) the SQLite parse cache and ensures the schema
// exists.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultCachePath
	}
	// WAL keeps pollers' stat reads cheap while a scan streams cache writes.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_auto_vacuum=INCREMENTAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, err
	}

	// WAL allows multiple readers alongside the single batching writer.
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS blend_cache (
			path TEXT PRIMARY KEY,
			size INTEGER NOT NULL,
			mod_unix INTEGER NOT NULL,
			info TEXT NOT NULL,
			parsed_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
		);
	`); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_blend_cache_parsed_at ON blend_cache(parsed_at);
	`); err != nil {
		return err
	}
	return nil
}

// Cache is the concurrency-safe parse-result cache. Reads go straight to the
// database; writes are funneled through a batching background writer.
type Cache struct {
	db     *sql.DB
	dbPath string
	writer *cacheWriter

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache wraps an open database. dbPath is kept for size reporting.
func NewCache(db *sql.DB, dbPath string) *Cache {
	return &Cache{
		db:     db,
		dbPath: dbPath,
		writer: newCacheWriter(context.Background(), db),
	}
}

// Close flushes pending writes and stops the background writer. It does not
// close the underlying database.
func (c *Cache) Close() error {
	return c.writer.close()
}

// DB returns the underlying database connection for maintenance operations.
func (c *Cache) DB() *sql.DB {
	return c.db
}

// Get returns the cached parse result for path if size and mtime still
// match. Read errors are logged and reported as misses.
func (c *Cache) Get(ctx context.Context, path string, size int64, modUnix int64) (*blend.Info, bool) {
	var payload string
	err := c.db.QueryRowContext(ctx, `
		SELECT info FROM blend_cache WHERE path = ? AND size = ? AND mod_unix = ?;
	`, path, size, modUnix).Scan(&payload)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warnf("cache read for %s: %v", path, err)
		}
		c.misses.Add(1)
		return nil, false
	}

	var info blend.Info
	if err := json.Unmarshal([]byte(payload), &info); err != nil {
		logger.Warnf("cache row for %s is unreadable, dropping: %v", path, err)
		_ = c.Invalidate(ctx, path)
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return &info, true
}

// Put queues a parse result for batched insertion. Failures are absorbed.
func (c *Cache) Put(ctx context.Context, path string, size int64, modUnix int64, info *blend.Info) {
	payload, err := json.Marshal(info)
	if err != nil {
		logger.Warnf("cache encode for %s: %v", path, err)
		return
	}
	c.writer.write(ctx, cacheRow{path: path, size: size, modUnix: modUnix, info: string(payload)})
}

// Flush synchronously writes everything queued so far.
func (c *Cache) Flush() error {
	return c.writer.flush()
}

// Invalidate drops the cached row for path, if any.
func (c *Cache) Invalidate(ctx context.Context, path string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM blend_cache WHERE path = ?;`, path)
	return err
}

// InvalidatePath drops the cached row for path, absorbing errors. This is
// the form the filesystem watcher calls with change events.
func (c *Cache) InvalidatePath(path string) {
	if err := c.Invalidate(context.Background(), path); err != nil {
		logger.Warnf("cache invalidate for %s: %v", path, err)
	}
}

// Stats reports cache effectiveness plus on-disk footprint.
type Stats struct {
	Entries      int64 `json:"entries"`
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	DatabaseSize int64 `json:"database_size"`
	WALSize      int64 `json:"wal_size"`
}

// GetStats returns current cache statistics. Hit/miss counters are since
// process start.
func (c *Cache) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
	}
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blend_cache;`).Scan(&stats.Entries); err != nil {
		return nil, fmt.Errorf("count cache rows: %w", err)
	}
	stats.DatabaseSize = fileSize(c.dbPath)
	stats.WALSize = fileSize(c.dbPath + "-wal")
	return stats, nil
}

func fileSize(path string) int64 {
	if path == "" {
		return 0
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
