// Package db opens the relay's SQLite stores with the pragmas the index and
// trace schemas rely on (WAL, synchronous=NORMAL, busy_timeout) and applies
// numbered forward-only migrations gated by PRAGMA user_version.
package db

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config configures a SQLite store.
type Config struct {
	// Path is the database file path.
	Path string

	// BusyTimeout is handed to sqlite's busy handler. Minimum 5s.
	BusyTimeout time.Duration
}

// DefaultConfig returns the standard store configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, BusyTimeout: 5 * time.Second}
}

// Error is a store-level failure with a stable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// Open opens (creating if absent) the database with WAL journaling,
// synchronous=NORMAL and the configured busy timeout, and verifies the
// connection before returning.
func Open(cfg Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, &Error{Code: "INVALID_CONFIG", Message: "database path cannot be empty"}
	}
	if cfg.BusyTimeout < 5*time.Second {
		cfg.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		cfg.Path, cfg.BusyTimeout.Milliseconds())
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// WAL supports many readers with one serial writer; a second writer
	// would only queue on the busy handler.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return sqlDB, nil
}

// Migration is one numbered schema step.
type Migration struct {
	Version int
	SQL     string
}

// Migrate applies every migration with Version greater than the database's
// user_version, in ascending order, each in its own transaction. Reopening
// an up-to-date database applies nothing.
func Migrate(sqlDB *sql.DB, migrations []Migration) error {
	var current int
	if err := sqlDB.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for _, m := range sorted {
		if m.Version <= current {
			continue
		}
		tx, err := sqlDB.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", m.Version, err)
		}
		// PRAGMA does not take placeholders.
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: set user_version: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.Version, err)
		}
		current = m.Version
	}
	return nil
}
