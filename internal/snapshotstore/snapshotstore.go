// Package snapshotstore implements an on-disk index over the debug
// snapshots internal/snapshot writes to codex-samples/, using SQLite via
// modernc.org/sqlite the way the teacher's internal/storage/sqlite
// opens its write/read pools (db.go). It is deliberately a single-table
// index, not a migration-managed schema: the snapshot writer is the only
// producer, there is no prior schema version to migrate from, and
// conversation-history storage remains out of scope.
package snapshotstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Index records where each snapshot envelope internal/snapshot.FileWriter
// persisted ended up, so a debugging session can look one up by request
// ID without walking the codex-samples directory tree.
type Index struct {
	write *sql.DB // single-writer connection, mirroring the teacher's pool split
	read  *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	request_id  TEXT NOT NULL,
	protocol    TEXT NOT NULL,
	phase       TEXT NOT NULL,
	taken_at_ms INTEGER NOT NULL,
	file_path   TEXT NOT NULL,
	PRIMARY KEY (request_id, phase)
);
CREATE INDEX IF NOT EXISTS snapshots_taken_at_ms ON snapshots (taken_at_ms);
`

// Open creates or opens the SQLite index file at path and ensures its
// schema exists.
func Open(path string) (*Index, error) {
	pragmas := "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("snapshotstore: open read db: %w", err)
	}

	if _, err := write.Exec(schema); err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("snapshotstore: apply schema: %w", err)
	}

	return &Index{write: write, read: read}, nil
}

// Record upserts one snapshot's location, keyed by (requestID, phase).
func (idx *Index) Record(ctx context.Context, requestID, protocol, phase string, takenAt time.Time, filePath string) error {
	_, err := idx.write.ExecContext(ctx, `
		INSERT INTO snapshots (request_id, protocol, phase, taken_at_ms, file_path)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (request_id, phase) DO UPDATE SET
			protocol = excluded.protocol,
			taken_at_ms = excluded.taken_at_ms,
			file_path = excluded.file_path
	`, requestID, protocol, phase, takenAt.UnixMilli(), filePath)
	if err != nil {
		return fmt.Errorf("snapshotstore: record: %w", err)
	}
	return nil
}

// Entry is one indexed snapshot location.
type Entry struct {
	Protocol  string
	Phase     string
	TakenAtMS int64
	FilePath  string
}

// Lookup returns every indexed snapshot for requestID, most recent first.
func (idx *Index) Lookup(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := idx.read.QueryContext(ctx, `
		SELECT protocol, phase, taken_at_ms, file_path
		FROM snapshots
		WHERE request_id = ?
		ORDER BY taken_at_ms DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: lookup: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Protocol, &e.Phase, &e.TakenAtMS, &e.FilePath); err != nil {
			return nil, fmt.Errorf("snapshotstore: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes both database connections.
func (idx *Index) Close() error {
	werr := idx.write.Close()
	rerr := idx.read.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
