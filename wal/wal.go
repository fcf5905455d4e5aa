// Package wal implements the per-service write-ahead log that gives
// degraded-mode writes at-least-once durability: a single append-only
// SQLite table, persisted on disk by default, or an in-memory shared-handle
// variant for tests.
package wal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/lattice-cache/tlc/tlcerr"
)

// Operation is the WAL record's write kind.
type Operation string

const (
	OpSet    Operation = "SET"
	OpDelete Operation = "DELETE"
)

// Record is one pending write, durable until a successful replay clears it.
type Record struct {
	ID          int64
	Timestamp   time.Time
	Operation   Operation
	Key         string
	Value       []byte // nil for Delete
	TTL         *time.Duration
	ServiceName string
}

// Replayer applies a batch of WAL records to the remote tier in one
// operation (the backend's pipeline_replay), returning an error if any part
// of the batch failed.
type Replayer interface {
	PipelineReplay(ctx context.Context, records []Record) error
}

// Log is a single-service write-ahead log.
type Log struct {
	db          *sql.DB
	serviceName string
}

// Open opens (creating if absent) a SQLite-backed Log at path for the given
// service. Pass InMemoryDSN(name) ("file:<name>?mode=memory&cache=shared")
// for an ephemeral, shared-handle store suited to tests.
func Open(ctx context.Context, dsn, serviceName string) (*Log, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindWAL, "open", err)
	}
	// A single connection avoids SQLite's "database is locked" errors under
	// concurrent writers; busy_timeout lets a second writer block instead of
	// failing immediately.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 10000"); err != nil {
		_ = db.Close()
		return nil, tlcerr.Wrap(tlcerr.KindWAL, "apply pragmas", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, tlcerr.Wrap(tlcerr.KindWAL, "ping", err)
	}

	l := &Log{db: db, serviceName: serviceName}
	if err := l.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// InMemoryDSN builds a shared-handle, in-memory SQLite DSN for name —
// suitable only within a single process since the single *sql.DB connection
// is what keeps the in-memory database alive and visible across queries.
func InMemoryDSN(name string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
}

func (l *Log) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS wal_entries (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp    INTEGER NOT NULL,
	operation    TEXT NOT NULL,
	key          TEXT NOT NULL,
	value        BLOB,
	ttl          INTEGER,
	service_name TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wal_entries_service ON wal_entries(service_name, id);
`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return tlcerr.Wrap(tlcerr.KindWAL, "ensure schema", err)
	}
	return nil
}

// Append durably inserts record under this log's service name (any
// ServiceName on the record is ignored), stamping Timestamp if unset. The
// facade must wait for this to return before reporting a degraded-mode
// write as successful.
func (l *Log) Append(ctx context.Context, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	var ttl sql.NullInt64
	if rec.TTL != nil {
		ttl = sql.NullInt64{Int64: int64(rec.TTL.Seconds()), Valid: true}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO wal_entries (timestamp, operation, key, value, ttl, service_name) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.Unix(), string(rec.Operation), rec.Key, rec.Value, ttl, l.serviceName,
	)
	if err != nil {
		return tlcerr.Wrap(tlcerr.KindWAL, "append", err)
	}
	return nil
}

// GetEntries returns every pending record for this service, ordered by id
// ascending (i.e. write order).
func (l *Log) GetEntries(ctx context.Context) ([]Record, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, timestamp, operation, key, value, ttl FROM wal_entries WHERE service_name = ? ORDER BY id ASC`,
		l.serviceName,
	)
	if err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindWAL, "get_entries", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec       Record
			tsUnix    int64
			op        string
			value     []byte
			ttlSecs   sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &tsUnix, &op, &rec.Key, &value, &ttlSecs); err != nil {
			return nil, tlcerr.Wrap(tlcerr.KindWAL, "scan entry", err)
		}
		rec.Timestamp = time.Unix(tsUnix, 0)
		rec.Operation = Operation(op)
		rec.Value = value
		rec.ServiceName = l.serviceName
		if ttlSecs.Valid {
			d := time.Duration(ttlSecs.Int64) * time.Second
			rec.TTL = &d
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, tlcerr.Wrap(tlcerr.KindWAL, "get_entries", err)
	}
	return out, nil
}

// Clear deletes every pending record for this service.
func (l *Log) Clear(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM wal_entries WHERE service_name = ?`, l.serviceName); err != nil {
		return tlcerr.Wrap(tlcerr.KindWAL, "clear", err)
	}
	return nil
}

// Size reports how many records are currently pending for this service.
func (l *Log) Size(ctx context.Context) (int, error) {
	var n int
	row := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wal_entries WHERE service_name = ?`, l.serviceName)
	if err := row.Scan(&n); err != nil {
		return 0, tlcerr.Wrap(tlcerr.KindWAL, "size", err)
	}
	return n, nil
}

// ReplayAll reads pending entries and, if any exist, hands them to
// replayer.PipelineReplay as one batch. On success the entries are cleared;
// on failure they are left intact and the error is surfaced to the caller —
// the health monitor interprets that as a failed recovery attempt.
func (l *Log) ReplayAll(ctx context.Context, replayer Replayer) (int, error) {
	entries, err := l.GetEntries(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}
	if err := replayer.PipelineReplay(ctx, entries); err != nil {
		return 0, tlcerr.Wrap(tlcerr.KindWAL, "replay_all", err)
	}
	if err := l.Clear(ctx); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Close releases the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}
