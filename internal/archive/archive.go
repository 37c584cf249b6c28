// Package archive copies journal records into PostgreSQL for retention beyond
// the local SQLite journal. Archive implements daemon.Sink.
//
// Ingestion is batched: Write appends to an in-memory buffer which is sent in
// a single pgx.Batch round-trip when it reaches the batch size or when the
// background ticker fires, whichever comes first. Transient failures are
// retried with exponential backoff; rows that still fail are kept for the
// next flush, up to a bounded backlog.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tripwire/fswatch/internal/config"
	"github.com/tripwire/fswatch/internal/daemon"
)

const (
	// DefaultBatchSize is the number of buffered records that triggers an
	// immediate flush.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often buffered records are flushed when
	// the batch has not filled.
	DefaultFlushInterval = time.Second

	// backlogFactor bounds the retained backlog to this many batches.
	backlogFactor = 10

	// maxRetries is the number of retries per flush after the first attempt.
	maxRetries = 3
)

// Schema creates the archive table. New applies it; it is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS fswatch_events (
    event_id      UUID        PRIMARY KEY,
    host          TEXT        NOT NULL,
    watch         TEXT        NOT NULL,
    wd            INTEGER     NOT NULL,
    path          TEXT        NOT NULL,
    name          TEXT        NOT NULL DEFAULT '',
    mask          BIGINT      NOT NULL,
    kinds         TEXT[]      NOT NULL,
    cookie        BIGINT      NOT NULL DEFAULT 0,
    is_dir        BOOLEAN     NOT NULL DEFAULT FALSE,
    unmounted     BOOLEAN     NOT NULL DEFAULT FALSE,
    watch_removed BOOLEAN     NOT NULL DEFAULT FALSE,
    ts            TIMESTAMPTZ NOT NULL,
    archived_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_fswatch_events_path_ts ON fswatch_events (path, ts);
`

const insertQuery = `
	INSERT INTO fswatch_events
		(event_id, host, watch, wd, path, name, mask, kinds, cookie, is_dir, unmounted, watch_removed, ts)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT DO NOTHING`

// insertFunc writes one batch. It is a field so tests can replace the
// database.
type insertFunc func(ctx context.Context, recs []daemon.Record) error

// Archive is the PostgreSQL sink.
type Archive struct {
	pool   *pgxpool.Pool
	insert insertFunc
	logger *slog.Logger

	mu            sync.Mutex
	batch         []daemon.Record
	batchSize     int
	flushInterval time.Duration
	initialRetry  time.Duration

	running  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New connects to cfg.DSN, applies Schema and starts the flush goroutine.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archive, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: apply schema: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	a := newArchive(cfg, logger, poolInserter(pool, host))
	a.pool = pool
	a.start()
	return a, nil
}

func newArchive(cfg config.ArchiveConfig, logger *slog.Logger, insert insertFunc) *Archive {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	interval := cfg.FlushInterval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Archive{
		insert:        insert,
		logger:        logger,
		batch:         make([]daemon.Record, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: interval,
		initialRetry:  100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

func poolInserter(pool *pgxpool.Pool, host string) insertFunc {
	return func(ctx context.Context, recs []daemon.Record) error {
		b := &pgx.Batch{}
		for i := range recs {
			r := &recs[i]
			b.Queue(insertQuery,
				r.ID, host, r.Watch, r.WatchID, r.Path, r.Name,
				int64(r.Mask), r.Kinds, int64(r.Cookie),
				r.IsDir, r.Unmounted, r.WatchRemoved, r.Timestamp,
			)
		}
		br := pool.SendBatch(ctx, b)
		defer br.Close()
		for range recs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("batch exec: %w", err)
			}
		}
		return nil
	}
}

// Name implements daemon.Sink.
func (a *Archive) Name() string { return "archive" }

// Write buffers rec. When the buffer reaches the batch size Write flushes
// synchronously, so a slow database pushes back on the caller.
func (a *Archive) Write(ctx context.Context, rec daemon.Record) error {
	a.mu.Lock()
	a.batch = append(a.batch, rec)
	full := len(a.batch) >= a.batchSize
	a.mu.Unlock()

	if full {
		return a.Flush(ctx)
	}
	return nil
}

// Pending returns the number of buffered records.
func (a *Archive) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}

// Flush sends the buffered records. A batch the server rejects is dropped.
// On other failures the records are returned to the front of the buffer, and
// the oldest are dropped once the backlog exceeds its bound.
func (a *Archive) Flush(ctx context.Context) error {
	a.mu.Lock()
	if len(a.batch) == 0 {
		a.mu.Unlock()
		return nil
	}
	toInsert := a.batch
	a.batch = make([]daemon.Record, 0, a.batchSize)
	a.mu.Unlock()

	err := backoff.Retry(func() error {
		err := a.insert(ctx, toInsert)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// The server rejected the statement; retrying will not help.
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(a.newBackOff(), maxRetries), ctx))
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		a.logger.Error("archive: batch rejected by server, dropping records",
			slog.Int("dropped", len(toInsert)),
			slog.String("code", pgErr.Code),
			slog.Any("error", err))
		return fmt.Errorf("archive: flush %d records: %w", len(toInsert), err)
	}

	a.mu.Lock()
	a.batch = append(toInsert, a.batch...)
	dropped := 0
	if limit := a.batchSize * backlogFactor; len(a.batch) > limit {
		dropped = len(a.batch) - limit
		a.batch = append([]daemon.Record(nil), a.batch[dropped:]...)
	}
	a.mu.Unlock()

	if dropped > 0 {
		a.logger.Warn("archive: backlog full, dropping oldest records", slog.Int("dropped", dropped))
	}
	return fmt.Errorf("archive: flush %d records: %w", len(toInsert), err)
}

func (a *Archive) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.initialRetry
	b.MaxInterval = a.flushInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (a *Archive) start() {
	a.running = true
	go a.flushLoop()
}

// flushLoop flushes on every tick until Close.
func (a *Archive) flushLoop() {
	defer close(a.doneCh)
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			if err := a.Flush(context.Background()); err != nil {
				a.logger.Warn("archive: periodic flush failed", slog.Any("error", err))
			}
		}
	}
}

// Close stops the flush goroutine, makes a final flush attempt and closes the
// pool. It is safe to call more than once.
func (a *Archive) Close() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopCh)
		if a.running {
			<-a.doneCh
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = a.Flush(ctx)
		if a.pool != nil {
			a.pool.Close()
		}
	})
	return err
}

// Count returns the number of archived rows.
func (a *Archive) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := a.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fswatch_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("archive: count: %w", err)
	}
	return n, nil
}
