package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
)

// Supported DB_DRIVER values.
const (
	DriverPgx    = "pgx"
	DriverLibPQ  = "postgres"
	DriverSQLite = "sqlite3"
)

// Open connects to the configured backend and applies migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	var (
		s   *SQLStore
		err error
	)
	switch driver {
	case DriverPgx, "":
		s, err = OpenPostgres(ctx, dsn, opts...)
	case DriverLibPQ:
		s, err = OpenLibPQ(ctx, dsn, opts...)
	case DriverSQLite:
		s, err = OpenSQLite(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres creates a pgx connection pool and exposes it through database/sql.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := newSQLStore(stdlib.OpenDBFromPool(pool), postgresDialect, opts...)
	s.closers = append(s.closers, pool.Close)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// OpenLibPQ connects through lib/pq for deployments standardised on it.
func OpenLibPQ(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	db, err := sql.Open(DriverLibPQ, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := newSQLStore(db, postgresDialect, opts...)
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
