package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLiteDB wraps a single-node SQLite database
type SQLiteDB struct {
	Conn *sql.DB
}

// NewSQLiteDB opens (creating if needed) the database file at path.
// ":memory:" opens a private in-memory database.
func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = "file:" + path
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single connection: one writer at a time, and ":memory:" stays one database.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteDB{Conn: conn}, nil
}

// Close closes the database
func (db *SQLiteDB) Close() error {
	return db.Conn.Close()
}

// Ping tests the database connection
func (db *SQLiteDB) Ping(ctx context.Context) error {
	return db.Conn.PingContext(ctx)
}
