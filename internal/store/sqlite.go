// Package store provides storage backends for RochaTurbo.
//
// This file implements the SQLite-backed store used for single-node deployments and tests.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDirPermissions is used when creating the directory of the database file.
	DefaultDirPermissions = 0755
	// sqliteParams are appended to file DSNs without their own query string.
	sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	sqlDB
}

// NewSQLiteStore opens (creating when missing) the database file named by the DSN.
// The parent directory is created as needed.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := applyOptions(opts)
	if cfg.DSN == "" {
		return nil, errDSNNotSet("sqlite3")
	}

	dir := filepath.Dir(sqliteFilePath(cfg.DSN))
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("SQLiteStore NewSQLiteStore mkdir failed", "dir", dir, "error", err)
		return nil, fmt.Errorf("create database directory %s: %w", dir, err)
	}

	dsn := cfg.DSN
	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteParams
	}
	db, err := openMigrated("sqlite3", dsn, sqliteMigrations, func(db *sql.DB) {
		// SQLite serializes writers.
		db.SetMaxOpenConns(1)
	})
	if err != nil {
		return nil, err
	}
	return &SQLiteStore{sqlDB: newSQLDB(db, dialectSQLite)}, nil
}

// sqliteFilePath strips the file: scheme and query parameters from a DSN.
func sqliteFilePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func errDSNNotSet(driver string) error {
	slog.Error("Store open DSN not set", "driver", driver)
	return fmt.Errorf("%s: database DSN not set", driver)
}

// openMigrated opens a pool for driver, tunes it, checks connectivity and
// applies the embedded schema. The pool is closed on any failure.
func openMigrated(driver, dsn, migrations string, tune func(*sql.DB)) (*sql.DB, error) {
	if dsn == "" {
		return nil, errDSNNotSet(driver)
	}
	slog.Debug("Store open connecting", "driver", driver)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		slog.Error("Store open failed", "driver", driver, "error", err)
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if tune != nil {
		tune(db)
	}
	if err := db.Ping(); err != nil {
		slog.Error("Store open ping failed", "driver", driver, "error", err)
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if _, err := db.Exec(migrations); err != nil {
		slog.Error("Store open migrations failed", "driver", driver, "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Store open migrations applied", "driver", driver)
	return db, nil
}
