package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// ErrSchemaBehind is returned by Check when migrations are pending.
var ErrSchemaBehind = errors.New("event store schema is behind")

// migrationLockKey serializes schema upgrades across replicas starting together.
const migrationLockKey = 0x1f7e_5e11

// Migration is one forward schema step read from {version}_{name}.up.sql.
// Rollback files next to it are for operators and are never run here.
type Migration struct {
	Version int
	Name    string
	File    string
}

// Migrator brings the event store schema up to the newest migration and
// reports the version it is at. Applied versions live in
// event_store.schema_versions.
type Migrator struct {
	db  *sql.DB
	src fs.FS
	log zerolog.Logger
}

func NewMigrator(db *sql.DB, src fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{db: db, src: src, log: logger}
}

// Migrations lists the forward migrations in src by version. Duplicate
// versions and file names without a numeric prefix are errors.
func Migrations(src fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(src, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	seen := make(map[int]string)
	var out []Migration
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		prefix, name, ok := strings.Cut(strings.TrimSuffix(e.Name(), ".up.sql"), "_")
		if !ok {
			return nil, fmt.Errorf("migration %s: want {version}_{name}.up.sql", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migration %s: bad version %q", e.Name(), prefix)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, e.Name(), v)
		}
		seen[v] = e.Name()
		out = append(out, Migration{Version: v, Name: name, File: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Up applies every migration newer than the recorded version in a single
// transaction and returns the resulting version. Concurrent callers wait on
// a transaction-scoped advisory lock.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	pending, err := Migrations(m.src)
	if err != nil {
		return 0, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return 0, fmt.Errorf("migration lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		CREATE SCHEMA IF NOT EXISTS event_store;
		CREATE TABLE IF NOT EXISTS event_store.schema_versions (
			version    INTEGER PRIMARY KEY,
			name       TEXT        NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return 0, fmt.Errorf("create schema_versions: %w", err)
	}
	current, err := currentVersion(ctx, tx)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, mig := range pending {
		if mig.Version <= current {
			continue
		}
		body, err := fs.ReadFile(m.src, mig.File)
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", mig.File, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			return 0, fmt.Errorf("apply %s: %w", mig.File, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO event_store.schema_versions (version, name) VALUES ($1, $2)`,
			mig.Version, mig.Name,
		); err != nil {
			return 0, fmt.Errorf("record %s: %w", mig.File, err)
		}
		m.log.Info().Int("version", mig.Version).Str("name", mig.Name).Msg("schema migrated")
		current = mig.Version
		applied++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit migrations: %w", err)
	}
	m.log.Info().Int("schema_version", current).Int("applied", applied).Msg("event store schema up to date")
	return current, nil
}

// Version returns the newest applied migration, or 0 on an unmigrated database.
func (m *Migrator) Version(ctx context.Context) (int, error) {
	var exists bool
	if err := m.db.QueryRowContext(ctx,
		`SELECT to_regclass('event_store.schema_versions') IS NOT NULL`,
	).Scan(&exists); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	if !exists {
		return 0, nil
	}
	return currentVersion(ctx, m.db)
}

// Check verifies that the database already carries the newest migration in
// src, for deployments that migrate out of band.
func (m *Migrator) Check(ctx context.Context) (int, error) {
	all, err := Migrations(m.src)
	if err != nil {
		return 0, err
	}
	v, err := m.Version(ctx)
	if err != nil {
		return 0, err
	}
	if n := len(all); n > 0 && v < all[n-1].Version {
		return v, fmt.Errorf("%w: at %d, newest migration %d", ErrSchemaBehind, v, all[n-1].Version)
	}
	return v, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func currentVersion(ctx context.Context, q queryRower) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM event_store.schema_versions`,
	).Scan(&v); err != nil {
		return 0, fmt.Errorf("schema version: %w", err)
	}
	return v, nil
}
