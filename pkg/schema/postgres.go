package schema

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource backs Source with a lookup against an external schema
// catalog stored in Postgres, grounded on the teacher's pgxpool setup
// idiom (pkg/licensing/store_pg.go).
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource connects to databaseURL and verifies connectivity.
// The caller is expected to have already created the
// "tracked_tables(keyspace text, table_name text, valid boolean)"
// catalog table; this package does not own schema migration.
func NewPostgresSource(ctx context.Context, databaseURL string) (*PostgresSource, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("schema: parse database URL: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("schema: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("schema: database unreachable: %w", err)
	}

	return &PostgresSource{pool: pool}, nil
}

// IsValid queries the tracked_tables catalog for keyspace.table.
func (s *PostgresSource) IsValid(ctx context.Context, keyspace, table string) (bool, error) {
	var valid bool
	err := s.pool.QueryRow(ctx,
		`SELECT valid FROM tracked_tables WHERE keyspace = $1 AND table_name = $2`,
		keyspace, table,
	).Scan(&valid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("schema: query tracked_tables: %w", err)
	}
	return valid, nil
}

// Close releases the connection pool.
func (s *PostgresSource) Close() {
	s.pool.Close()
}
