// Package journal records every inotify event in a WAL-mode SQLite database
// and answers filtered queries over it. Journal implements daemon.Sink.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that API queries
// can read while the daemon's fan-out goroutine writes.
//
// Timestamps are stored as Unix nanoseconds so that range filters compare
// numerically.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/daemon"
)

const (
	// DefaultLimit is used when a Query sets no limit.
	DefaultLimit = 100
	// MaxLimit caps the rows returned by one Query.
	MaxLimit = 1000
)

// Journal is a SQLite-backed event store. It is safe for concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the database at path, enables WAL mode and applies
// the schema. ":memory:" opens an in-memory database, which is lost on Close.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open %q: %w", path, err)
	}

	// One connection: SQLite has a single writer, and an in-memory database
	// exists only on the connection that created it.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		ddl,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("journal: %q: %w", firstLine(stmt), err)
		}
	}
	return &Journal{db: db}, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS events (
    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
    id            TEXT    NOT NULL UNIQUE,
    watch         TEXT    NOT NULL,
    wd            INTEGER NOT NULL,
    path          TEXT    NOT NULL,
    name          TEXT    NOT NULL DEFAULT '',
    mask          INTEGER NOT NULL,
    kinds         TEXT    NOT NULL DEFAULT '[]',
    cookie        INTEGER NOT NULL DEFAULT 0,
    is_dir        INTEGER NOT NULL DEFAULT 0,
    unmounted     INTEGER NOT NULL DEFAULT 0,
    watch_removed INTEGER NOT NULL DEFAULT 0,
    ts            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_path ON events (path);
CREATE INDEX IF NOT EXISTS idx_events_ts   ON events (ts);
`

// Name implements daemon.Sink.
func (j *Journal) Name() string { return "journal" }

// Write stores rec. It implements daemon.Sink.
func (j *Journal) Write(ctx context.Context, rec daemon.Record) error {
	kinds, err := json.Marshal(rec.Kinds)
	if err != nil {
		return fmt.Errorf("journal: marshal kinds: %w", err)
	}
	_, err = j.db.ExecContext(ctx,
		`INSERT INTO events (id, watch, wd, path, name, mask, kinds, cookie, is_dir, unmounted, watch_removed, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Watch,
		rec.WatchID,
		rec.Path,
		rec.Name,
		int64(rec.Mask),
		string(kinds),
		int64(rec.Cookie),
		rec.IsDir,
		rec.Unmounted,
		rec.WatchRemoved,
		rec.Timestamp.UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal: insert: %w", err)
	}
	return nil
}

// Query selects journal rows. Zero fields do not filter.
type Query struct {
	// Path matches either the watched path or the full path of the object
	// the event concerns.
	Path string
	// Kind matches events with any of these bits set.
	Kind inotify.EventKind
	// Watch matches the configured watch name.
	Watch string
	// Since excludes events before this instant.
	Since time.Time
	// Limit defaults to DefaultLimit and is capped at MaxLimit.
	Limit  int
	Offset int
}

func (q Query) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if q.Path != "" {
		clauses = append(clauses, `(path = ? OR (name <> '' AND rtrim(path, '/') || '/' || name = ?))`)
		args = append(args, q.Path, q.Path)
	}
	if q.Kind != 0 {
		clauses = append(clauses, `(mask & ?) <> 0`)
		args = append(args, int64(q.Kind))
	}
	if q.Watch != "" {
		clauses = append(clauses, `watch = ?`)
		args = append(args, q.Watch)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, `ts >= ?`)
		args = append(args, q.Since.UTC().UnixNano())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// Query returns matching events oldest first.
func (j *Journal) Query(ctx context.Context, q Query) ([]daemon.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where, args := q.where()
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, watch, wd, path, name, mask, kinds, cookie, is_dir, unmounted, watch_removed, ts
		 FROM events`+where+`
		 ORDER BY seq
		 LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []daemon.Record
	for rows.Next() {
		var (
			rec          daemon.Record
			mask, cookie int64
			kinds        string
			ts           int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Watch,
			&rec.WatchID,
			&rec.Path,
			&rec.Name,
			&mask,
			&kinds,
			&cookie,
			&rec.IsDir,
			&rec.Unmounted,
			&rec.WatchRemoved,
			&ts,
		); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		rec.Mask = uint32(mask)
		rec.Cookie = uint32(cookie)
		rec.Timestamp = time.Unix(0, ts).UTC()
		// A malformed kinds column is rebuilt from the mask rather than
		// failing the whole query.
		if err := json.Unmarshal([]byte(kinds), &rec.Kinds); err != nil {
			rec.Kinds = inotify.EventKind(rec.Mask).Names()
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: rows: %w", err)
	}
	return out, nil
}

// Count returns the number of events matching q, ignoring its limit and
// offset.
func (j *Journal) Count(ctx context.Context, q Query) (int64, error) {
	where, args := q.where()
	var n int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("journal: count: %w", err)
	}
	return n, nil
}

// Close closes the database. It implements daemon.Sink.
func (j *Journal) Close() error {
	return j.db.Close()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
