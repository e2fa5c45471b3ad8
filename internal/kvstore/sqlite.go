package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`

// SQLiteStore keeps the map in a single-table SQLite database.
type SQLiteStore struct {
	memory
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kvstore: create schema: %w", err)
	}
	return &SQLiteStore{memory: memory{values: make(map[string]string)}, db: db}, nil
}

// Load reads every row into memory.
func (s *SQLiteStore) Load() error {
	rows, err := s.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return fmt.Errorf("kvstore: query: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return fmt.Errorf("kvstore: scan: %w", err)
		}
		values[k] = v
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("kvstore: rows: %w", err)
	}
	s.replace(values)
	return nil
}

// Save replaces the table contents with the in-memory map in one transaction.
func (s *SQLiteStore) Save() error {
	values := s.snapshot()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("kvstore: begin: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM kv`); err != nil {
		tx.Rollback()
		return fmt.Errorf("kvstore: clear: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO kv (key, value) VALUES (?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("kvstore: prepare: %w", err)
	}
	defer stmt.Close()
	for k, v := range values {
		if _, err := stmt.Exec(k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("kvstore: insert %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("kvstore: commit: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
