// Package metastore persists per-session key-value metadata (shell state,
// working directory, shell identification) in a local sqlite database.
package metastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS session_meta (
	session_id TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, key)
);
`

type Store struct {
	db *sql.DB
}

// Open creates or opens the metadata database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetMeta upserts a batch of key-value pairs for a session in one
// transaction, so a multi-key state transition lands atomically.
func (s *Store) SetMeta(ctx context.Context, sessionID string, meta map[string]any) error {
	if len(meta) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin meta tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().UnixMilli()
	for key, value := range meta {
		_, err := tx.ExecContext(ctx, `
INSERT INTO session_meta(session_id, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(session_id, key) DO UPDATE SET
	value=excluded.value,
	updated_at=excluded.updated_at
`, sessionID, key, fmt.Sprint(value), now)
		if err != nil {
			return fmt.Errorf("upsert meta %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// GetMeta returns the value of one session key.
func (s *Store) GetMeta(ctx context.Context, sessionID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_meta WHERE session_id = ? AND key = ?`,
		sessionID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, nil
}

// AllMeta returns every key-value pair of a session.
func (s *Store) AllMeta(ctx context.Context, sessionID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM session_meta WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// DeleteSession removes all metadata of a session.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_meta WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session meta: %w", err)
	}
	return nil
}
