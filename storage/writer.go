package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

const (
	batchSize    = 256
	batchTimeout = 1 * time.Second
)

type cacheRow struct {
	path    string
	size    int64
	modUnix int64
	info    string
}

// cacheWriter batches queued rows and commits them in single transactions,
// so a scan streaming thousands of parse results does not pay per-row
// transaction costs. Write failures are logged, never propagated: the cache
// is an accelerator, not a source of truth.
type cacheWriter struct {
	db      *sql.DB
	ctx     context.Context
	cancel  context.CancelFunc
	rowCh   chan cacheRow
	flushCh chan chan error
	doneCh  chan error
}

func newCacheWriter(ctx context.Context, db *sql.DB) *cacheWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &cacheWriter{
		db:      db,
		ctx:     ctx,
		cancel:  cancel,
		rowCh:   make(chan cacheRow, batchSize*4),
		flushCh: make(chan chan error),
		doneCh:  make(chan error, 1),
	}
	go w.run()
	return w
}

// write queues one row, dropping it if the writer has shut down or the
// caller's context expired first.
func (w *cacheWriter) write(ctx context.Context, row cacheRow) {
	select {
	case w.rowCh <- row:
	case <-w.ctx.Done():
	case <-ctx.Done():
	}
}

// flush synchronously writes everything queued so far.
func (w *cacheWriter) flush() error {
	ack := make(chan error, 1)
	select {
	case w.flushCh <- ack:
		return <-ack
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// close flushes remaining rows and stops the goroutine.
func (w *cacheWriter) close() error {
	w.cancel()
	return <-w.doneCh
}

func (w *cacheWriter) run() {
	batch := make([]cacheRow, 0, batchSize)
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.writeBatch(batch)
		for i := range batch {
			batch[i] = cacheRow{}
		}
		batch = batch[:0]
		return err
	}

	for {
		select {
		case row := <-w.rowCh:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					logger.Warnf("cache batch write: %v", err)
				}
			}
		case ack := <-w.flushCh:
			// Drain anything already queued before acknowledging.
			for drained := false; !drained; {
				select {
				case row := <-w.rowCh:
					batch = append(batch, row)
				default:
					drained = true
				}
			}
			ack <- flush()
		case <-ticker.C:
			if err := flush(); err != nil {
				logger.Warnf("cache batch write: %v", err)
			}
		case <-w.ctx.Done():
			// Final drain so close() does not lose queued rows.
			for drained := false; !drained; {
				select {
				case row := <-w.rowCh:
					batch = append(batch, row)
				default:
					drained = true
				}
			}
			w.doneCh <- flush()
			return
		}
	}
}

// writeBatch upserts a batch of rows within a single transaction.
func (w *cacheWriter) writeBatch(batch []cacheRow) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	const insertPrefix = `
INSERT INTO blend_cache (path, size, mod_unix, info, parsed_at) VALUES `
	const singlePlaceholder = "(?, ?, ?, ?, ?)"
	const upsertSuffix = `
ON CONFLICT(path) DO UPDATE SET
	size = excluded.size,
	mod_unix = excluded.mod_unix,
	info = excluded.info,
	parsed_at = excluded.parsed_at;
`

	now := time.Now().UTC().Unix()
	var builder strings.Builder
	builder.WriteString(insertPrefix)
	args := make([]any, 0, len(batch)*5)
	for i, row := range batch {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(singlePlaceholder)
		args = append(args, row.path, row.size, row.modUnix, row.info, now)
	}
	builder.WriteString(upsertSuffix)

	if _, err = tx.Exec(builder.String(), args...); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}
