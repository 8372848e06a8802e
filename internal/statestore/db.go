// Package statestore provides the durable relational store backing
// ContainerManager and NetworkManager: containers, networks, attachments,
// the subnet auto-allocation counter, and the exit-code write-ahead log.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
package statestore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps a SQLite database for arca state storage.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	sdb := &DB{db: db}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return sdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS containers (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL UNIQUE,
			image           TEXT NOT NULL,
			command         TEXT NOT NULL DEFAULT '[]',
			env             TEXT NOT NULL DEFAULT '{}',
			labels          TEXT NOT NULL DEFAULT '{}',
			binds           TEXT NOT NULL DEFAULT '[]',
			restart_policy  TEXT NOT NULL DEFAULT 'no',
			network_mode    TEXT NOT NULL DEFAULT 'default',
			phase           TEXT NOT NULL DEFAULT 'created',
			exit_code       INTEGER,
			stopped_by_user INTEGER NOT NULL DEFAULT 0,
			restart_count   INTEGER NOT NULL DEFAULT 0,
			memory_mb       INTEGER NOT NULL DEFAULT 0,
			vcpus           INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS networks (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL UNIQUE,
			driver      TEXT NOT NULL,
			subnet      TEXT NOT NULL,
			gateway     TEXT NOT NULL,
			options     TEXT NOT NULL DEFAULT '{}',
			labels      TEXT NOT NULL DEFAULT '{}',
			is_default  INTEGER NOT NULL DEFAULT 0,
			created_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS network_attachments (
			container_id         TEXT NOT NULL,
			network_id           TEXT NOT NULL,
			device_name          TEXT NOT NULL,
			ipv4                 TEXT NOT NULL,
			mac                  TEXT NOT NULL,
			host_vsock_port      INTEGER NOT NULL DEFAULT 0,
			helper_vsock_port    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (container_id, network_id)
		)`,
		`CREATE TABLE IF NOT EXISTS subnet_allocation (
			id          INTEGER PRIMARY KEY CHECK (id = 1),
			next_octet  INTEGER NOT NULL DEFAULT 18
		)`,
		`INSERT OR IGNORE INTO subnet_allocation (id, next_octet) VALUES (1, 18)`,
		`CREATE TABLE IF NOT EXISTS exit_wal (
			container_id TEXT NOT NULL,
			exit_code    INTEGER NOT NULL,
			ts_ns        INTEGER NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	return nil
}
