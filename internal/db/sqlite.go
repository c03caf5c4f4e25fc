// Package db persists the conversion cache index so entries survive restarts.
package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is the persisted view of a cache entry.
type Record struct {
	Key        string
	Path       string
	SizeKB     int64
	LastAccess time.Time
	CreatedAt  time.Time
}

// DB represents the database connection.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the index at path and migrates it to the latest schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection avoids "database is locked" between writers
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access migrations directory: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close would also close db, so only the source is released
	defer func() { _ = source.Close() }()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to migrate index: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// Upsert inserts or replaces a record.
func (d *DB) Upsert(ctx context.Context, r Record) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries (cache_key, path, size_kb, last_access, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.Key, r.Path, r.SizeKB, r.LastAccess.UnixNano(), r.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert %s: %w", r.Key, err)
	}
	return nil
}

// Touch updates the last access time of key.
func (d *DB) Touch(ctx context.Context, key string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `UPDATE entries SET last_access = ? WHERE cache_key = ?`, at.UnixNano(), key)
	if err != nil {
		return fmt.Errorf("failed to touch %s: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Missing keys are not an error.
func (d *DB) Delete(ctx context.Context, key string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM entries WHERE cache_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// List returns every record, least recently accessed first.
func (d *DB) List(ctx context.Context) ([]Record, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT cache_key, path, size_kb, last_access, created_at FROM entries ORDER BY last_access`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var lastAccess, createdAt int64
		if err := rows.Scan(&r.Key, &r.Path, &r.SizeKB, &lastAccess, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		r.LastAccess = time.Unix(0, lastAccess)
		r.CreatedAt = time.Unix(0, createdAt)
		records = append(records, r)
	}
	return records, rows.Err()
}
