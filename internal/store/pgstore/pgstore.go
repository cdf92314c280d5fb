// Package pgstore is the PostgreSQL destination: schema metadata and
// mutation, chunk staging, row processing and job records.
package pgstore

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/JonMunkholm/portfoliolens/internal/config"
	"github.com/JonMunkholm/portfoliolens/internal/core"
	"github.com/JonMunkholm/portfoliolens/internal/migrate"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

// bookkeeping tables never show up as import destinations.
var bookkeeping = []string{"import_jobs", "import_chunks", "import_chunk_counts", "goose_db_version"}

var (
	_ schema.Fetcher     = (*Store)(nil)
	_ core.SchemaMutator = (*Store)(nil)
	_ core.ChunkStore    = (*Store)(nil)
	_ core.RowProcessor  = (*Store)(nil)
	_ core.JobStore      = (*Store)(nil)
)

// Store implements the destination interfaces on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	schemas []string
}

// New wraps pool. Destination tables are discovered in schemas; names
// outside the first schema are reported as schema.table.
func New(pool *pgxpool.Pool, schemas []string) *Store {
	if len(schemas) == 0 {
		schemas = []string{"public"}
	}
	return &Store{pool: pool, schemas: schemas}
}

// Connect opens and pings a pool sized from cfg.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if u, err := url.Parse(cfg.URL); err == nil && u.Path != "" {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

// Migrate creates the bookkeeping tables.
func (s *Store) Migrate() error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()
	if err := migrate.Up(db, migrate.DialectPostgres, migrations, "migrations"); err != nil {
		return fmt.Errorf("migrate import bookkeeping: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// qualify returns the name a destination table is known by.
func (s *Store) qualify(schemaName, table string) string {
	if schemaName == s.schemas[0] {
		return table
	}
	return schemaName + "." + table
}

// ident quotes a possibly schema-qualified table name.
func (s *Store) ident(name string) pgx.Identifier {
	if schemaName, table, ok := strings.Cut(name, "."); ok {
		return pgx.Identifier{schemaName, table}
	}
	return pgx.Identifier{s.schemas[0], name}
}
