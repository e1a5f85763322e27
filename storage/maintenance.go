package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate checkpoints the WAL and truncates the -wal file.
// This helps prevent unbounded WAL growth in long-running processes.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, err
	}
	return stats, nil
}

type VacuumStats struct {
	Duration time.Duration
}

// Vacuum rebuilds the SQLite database file to reclaim free space and
// defragment pages. VACUUM takes an exclusive lock and can be slow on large
// caches.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, err
	}
	return VacuumStats{Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}

// PruneStats holds statistics about a cache pruning pass.
type PruneStats struct {
	DeletedRows int64
	Duration    time.Duration
}

// PruneStale removes cache rows whose parse result is older than maxAge.
// Files that still exist unchanged simply get re-parsed and re-cached on the
// next scan that touches them.
func PruneStale(ctx context.Context, db *sql.DB, maxAge time.Duration) (PruneStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return PruneStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	cutoff := time.Now().Add(-maxAge).UTC().Unix()

	result, err := db.ExecContext(ctx, `DELETE FROM blend_cache WHERE parsed_at < ?;`, cutoff)
	if err != nil {
		return PruneStats{}, fmt.Errorf("delete stale cache rows: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return PruneStats{}, fmt.Errorf("get rows affected: %w", err)
	}

	stats := PruneStats{DeletedRows: deleted, Duration: time.Since(start).Truncate(time.Millisecond)}

	// Reclaim freed pages incrementally; a failure here is not fatal.
	if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		logger.Warnf("Incremental vacuum failed after pruning: %v", err)
	}
	return stats, nil
}

// GetJournalMode returns the SQLite journal mode for the provided database.
func GetJournalMode(ctx context.Context, db *sql.DB) (string, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

// ReleaseSQLiteMemory asks SQLite to give page-cache memory back to the OS.
func ReleaseSQLiteMemory(ctx context.Context, db *sql.DB) error {
	ctx = ensureContext(ctx)
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	_, err := db.ExecContext(ctx, `PRAGMA shrink_memory;`)
	return err
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
