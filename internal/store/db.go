// Package store holds the two durable SQLite stores: the orchestrator state
// store (instances, port allocations) and the topic store (topic mappings,
// stats, lifecycle events). Both are single-file WAL databases with schemas
// managed by embedded golang-migrate migrations.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/state/*.sql
var stateMigrations embed.FS

//go:embed migrations/topics/*.sql
var topicMigrations embed.FS

// ErrNotFound is returned when a queried record does not exist.
var ErrNotFound = errors.New("record not found")

// openDB opens a SQLite database with WAL mode and a busy timeout.
// Pragmas use the modernc.org/sqlite `_pragma=` DSN form.
func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	dsn := path + "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The modernc driver serializes writes per connection; a single connection
	// avoids SQLITE_BUSY between the control goroutine and read-side queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	return db, nil
}

// Migrator builds a standalone migrator for one of the stores, for the
// `topiclaw migrate` command. kind is "state" or "topics".
func Migrator(path, kind string) (*migrate.Migrate, error) {
	var fsys embed.FS
	switch kind {
	case "state":
		fsys = stateMigrations
	case "topics":
		fsys = topicMigrations
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	src, err := iofs.New(fsys, "migrations/"+kind)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	drv, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return m, nil
}

// applyMigrations runs all pending embedded migrations against db.
func applyMigrations(db *sql.DB, fsys embed.FS, dir string) error {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	drv, err := msqlite.WithInstance(db, &msqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
