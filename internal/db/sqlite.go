// Package db opens the shared SQLite store (app.db).
//
// Each area package owns its tables and calls its own schema init against
// the shared handle. MaxOpenConns is pinned to 1: SQLite serializes writers
// anyway, and a single connection keeps transactions short and lock errors
// out of the picture at desktop scale.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Open opens (creating if needed) the SQLite database at dbPath.
func Open(dbPath string) (*sql.DB, error) {
	normalized := normalizePath(dbPath)
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=5000", normalized)
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	return database, nil
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(dbPath string) error {
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return file.Close()
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
