package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"siteexport/internal/file"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	key   TEXT PRIMARY KEY,
	value BLOB NOT NULL
)`

// SQLite implements Store on an embedded single-file database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at dbPath and
// bootstraps the schema.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if err := file.EnsureDir(filepath.Dir(dbPath)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close() //nolint:wrapcheck
}

func (s *SQLite) Put(ctx context.Context, key string, value []byte) error {
	const q = `INSERT INTO records (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM records WHERE key = ?`
	var value []byte
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", key, ErrKeyNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM records WHERE key = ?`
	if _, err := s.db.ExecContext(ctx, q, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) ([]Entry, error) {
	// keys are application-generated and contain no LIKE metacharacters
	const q = `SELECT key, value FROM records WHERE key LIKE ? || '%' ORDER BY key`
	rows, err := s.db.QueryContext(ctx, q, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return entries, nil
}
