// Package migrate applies embedded goose migrations.
//
// goose keeps its base filesystem and dialect in package globals, so
// every caller goes through Up, which serializes access to them.
package migrate

import (
	"database/sql"
	"fmt"
	"io/fs"
	"sync"

	"github.com/pressly/goose/v3"
)

// Dialects accepted by Up.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

var mu sync.Mutex

// Up runs all pending migrations in dir of fsys against db.
func Up(db *sql.DB, dialect string, fsys fs.FS, dir string) error {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Version returns the applied migration version of db.
func Version(db *sql.DB, dialect string, fsys fs.FS) (int64, error) {
	mu.Lock()
	defer mu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return 0, fmt.Errorf("failed to set dialect: %w", err)
	}

	return goose.GetDBVersion(db)
}
