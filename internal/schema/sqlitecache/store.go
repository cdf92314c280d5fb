// Package sqlitecache persists schema snapshots in a local SQLite file so a
// restarted process has suggestions before its first metadata fetch.
package sqlitecache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/JonMunkholm/portfoliolens/internal/migrate"
	"github.com/JonMunkholm/portfoliolens/internal/schema"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a schema.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

var _ schema.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite file at path and migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open schema cache: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between concurrent saves.
	db.SetMaxOpenConns(1)

	s, err := New(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection and applies migrations.
func New(db *sql.DB) (*Store, error) {
	if err := migrate.Up(db, migrate.DialectSQLite, migrations, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate schema cache: %w", err)
	}
	return &Store{db: db}, nil
}

// NewUnmigrated wraps a connection without running migrations.
func NewUnmigrated(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the persisted snapshot, or nil when none was saved.
func (s *Store) Load(ctx context.Context) (*schema.Snapshot, error) {
	var (
		version   int64
		fetchedAt string
		payload   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT version, fetched_at, payload FROM schema_snapshots WHERE id = 1`,
	).Scan(&version, &fetchedAt, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load schema snapshot: %w", err)
	}

	at, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot time %q: %w", fetchedAt, err)
	}

	var tables []schema.Table
	if err := json.Unmarshal([]byte(payload), &tables); err != nil {
		return nil, fmt.Errorf("decode schema snapshot: %w", err)
	}

	return schema.RestoreSnapshot(tables, at, uint64(version)), nil
}

// Save replaces the persisted snapshot.
func (s *Store) Save(ctx context.Context, snap *schema.Snapshot) error {
	payload, err := json.Marshal(snap.Tables())
	if err != nil {
		return fmt.Errorf("encode schema snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schema_snapshots (id, version, fetched_at, payload)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			fetched_at = excluded.fetched_at,
			payload = excluded.payload`,
		int64(snap.Version), snap.FetchedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		return fmt.Errorf("save schema snapshot: %w", err)
	}
	return nil
}
