// SPDX-License-Identifier: AGPL-3.0-or-later

package coredb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgefleet/edgefleet/internal/paths"
	_ "modernc.org/sqlite"
)

const (
	sqliteDriverName = "sqlite"
	dbFileName       = "edgefleet.db"

	defaultBusyTimeout       = 5 * time.Second
	defaultWalAutoCheckpoint = 1000
	defaultJournalMode       = "WAL"
	defaultSynchronous       = "FULL"

	defaultGlobalMaxBytes = 256 << 20 // 256 MiB
	defaultOutputMaxBytes = 64 << 20  // 64 MiB
)

// Options controls how the state DB is opened.
type Options struct {
	// DataDir is the directory holding the DB file. Empty uses paths.DataDir().
	DataDir string
	// MaxBytes places an upper bound on total DB size. Zero uses defaults.
	MaxBytes int64
	// OutputMaxBytes bounds the captured command output retained across all
	// execution records. Zero uses defaults.
	OutputMaxBytes int64
}

// DB wraps the SQLite connection holding fleet state.
type DB struct {
	sql  *sql.DB
	opts Options
	path string
}

// Open initialises the state DB with required pragmas and schema.
func Open(ctx context.Context, opts Options) (*DB, error) {
	dir := opts.DataDir
	if dir == "" {
		dir = paths.DataDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", filepath.ToSlash(dbPath), int(defaultBusyTimeout/time.Millisecond))

	conn, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	resolved := opts
	resolved.DataDir = dir
	if resolved.MaxBytes <= 0 {
		resolved.MaxBytes = defaultGlobalMaxBytes
	}
	if resolved.OutputMaxBytes <= 0 {
		resolved.OutputMaxBytes = defaultOutputMaxBytes
	}

	if err := configureConnection(ctx, conn, resolved); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := applyMigrations(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{sql: conn, opts: resolved, path: dbPath}, nil
}

// Close shuts down the underlying SQLite connection.
func (db *DB) Close() error {
	if db == nil || db.sql == nil {
		return nil
	}
	return db.sql.Close()
}

// Path returns the DB file location.
func (db *DB) Path() string {
	if db == nil {
		return ""
	}
	return db.path
}

// Options returns the resolved options used when opening the DB.
func (db *DB) Options() Options {
	if db == nil {
		return Options{}
	}
	return db.opts
}

func configureConnection(ctx context.Context, conn *sql.DB, opts Options) error {
	// Single connection: concurrent node writers queue inside database/sql.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	statements := []string{
		fmt.Sprintf("PRAGMA journal_mode=%s;", defaultJournalMode),
		fmt.Sprintf("PRAGMA synchronous=%s;", defaultSynchronous),
		"PRAGMA foreign_keys=ON;",
		fmt.Sprintf("PRAGMA wal_autocheckpoint=%d;", defaultWalAutoCheckpoint),
	}

	var pageSize int64 = 4096
	if err := conn.QueryRowContext(ctx, "PRAGMA page_size;").Scan(&pageSize); err != nil || pageSize <= 0 {
		pageSize = 4096
	}
	maxPages := opts.MaxBytes / pageSize
	if maxPages <= 0 {
		maxPages = defaultGlobalMaxBytes / 4096
	}
	statements = append(statements, fmt.Sprintf("PRAGMA max_page_count=%d;", maxPages))

	for _, stmt := range statements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute pragma %q: %w", stmt, err)
		}
	}
	return nil
}
