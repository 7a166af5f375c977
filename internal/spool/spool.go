// Package spool is an optional SQLite dead-letter store. The dispatch loop
// records items it had to abandon (retry budget exhausted, fatal backend
// rejection, worker stop with items still queued) so operators can inspect
// what was lost instead of reconstructing it from logs.
package spool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"modernc.org/sqlite"
	_ "modernc.org/sqlite"
)

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
`

const schemaDDL = `
CREATE TABLE IF NOT EXISTS dropped_items (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  created_at INTEGER NOT NULL,
  kind TEXT NOT NULL,
  destination TEXT NOT NULL,
  body BLOB,
  reason TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_dropped_created ON dropped_items (created_at);
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

// Store holds one single-writer connection; only the dispatch loop writes.
type Store struct {
	path   string
	writer *sql.DB
}

// Entry is one abandoned work item.
type Entry struct {
	CreatedAt   int64
	Kind        string
	Destination string
	Body        []byte
	Reason      string
	Attempts    int
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	writer, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open spool db: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	if err := writer.PingContext(context.Background()); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("ping spool db: %w", err)
	}
	if _, err := writer.Exec(schemaDDL); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("apply spool schema: %w", err)
	}

	return &Store{path: path, writer: writer}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Add(ctx context.Context, e Entry) error {
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.writer.ExecContext(ctx, `
INSERT INTO dropped_items (created_at, kind, destination, body, reason, attempts)
VALUES (?, ?, ?, ?, ?, ?)`,
		e.CreatedAt, e.Kind, e.Destination, e.Body, e.Reason, e.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert dropped item: %w", err)
	}
	return nil
}

func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.writer.QueryRowContext(ctx, "SELECT COUNT(*) FROM dropped_items").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Recent returns the newest entries, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.writer.QueryContext(ctx, `
SELECT created_at, kind, destination, body, reason, attempts
FROM dropped_items ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.CreatedAt, &e.Kind, &e.Destination, &e.Body, &e.Reason, &e.Attempts); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.writer.Close()
}
