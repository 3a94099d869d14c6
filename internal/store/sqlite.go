package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens a file-backed store for single-host deployments and tests.
// The directory holding the database file is created if missing.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path not set")
	}
	file := path
	if i := strings.IndexByte(file, '?'); i >= 0 {
		file = file[:i]
	}
	if file != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serialises writers; claims stay single-statement atomic.
	db.SetMaxOpenConns(1)

	s := newSQLStore(db, sqliteDialect, opts...)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
