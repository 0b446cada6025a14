package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rl1809/travel-planner/internal/port"
)

// SQLiteAdapter runs every transaction as BEGIN IMMEDIATE, so a transaction
// holds the database write lock from its first statement and appends to one
// plan are serialized without row locks.
type SQLiteAdapter struct {
	*sqlStore
}

var _ port.DatabaseRepository = (*SQLiteAdapter)(nil)

func NewSQLiteAdapter(db *sql.DB) *SQLiteAdapter {
	return &SQLiteAdapter{sqlStore: &sqlStore{
		db:         db,
		lockPlan:   `SELECT version FROM plans WHERE id = ?`,
		classify:   classifySQLite,
		encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
		schema:     sqliteSchema,
	}}
}

// SQLiteDSN builds a modernc DSN with foreign keys on, a busy timeout and
// immediate transactions. File databases also get WAL journaling.
func SQLiteDSN(path string, busyTimeout time.Duration) string {
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", busyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	return path + "?" + strings.Join(params, "&")
}

// OpenSQLite opens the database at path. ":memory:" yields a private
// in-memory database limited to one connection, since every new connection
// would otherwise see its own empty database.
func OpenSQLite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", SQLiteDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

func classifySQLite(err error) constraintKind {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return constraintUnique
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return constraintForeignKey
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return constraintCheck
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return constraintTransient
		}
	}
	if err == nil {
		return constraintNone
	}

	// Extended codes are not always surfaced; fall back to the message.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return constraintUnique
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return constraintForeignKey
	case strings.Contains(msg, "CHECK constraint failed"):
		return constraintCheck
	case strings.Contains(msg, "database is locked"):
		return constraintTransient
	default:
		return constraintNone
	}
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id           TEXT PRIMARY KEY,
		title        TEXT NOT NULL CHECK(title <> ''),
		description  TEXT,
		start_date   TEXT,
		end_date     TEXT,
		budget_cents INTEGER CHECK(budget_cents IS NULL OR budget_cents >= 0),
		currency     TEXT NOT NULL DEFAULT 'USD' CHECK(length(currency) = 3),
		is_public    INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 1 CHECK(version > 0),
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		CHECK(start_date IS NULL OR end_date IS NULL OR end_date >= start_date)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_plans_updated ON plans(updated_at)`,

	`CREATE TABLE IF NOT EXISTS items (
		id           TEXT PRIMARY KEY,
		plan_id      TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
		name         TEXT NOT NULL CHECK(name <> ''),
		address      TEXT,
		latitude     REAL CHECK(latitude IS NULL OR latitude BETWEEN -90 AND 90),
		longitude    REAL CHECK(longitude IS NULL OR longitude BETWEEN -180 AND 180),
		position     INTEGER NOT NULL CHECK(position > 0),
		arrival_at   TEXT,
		departure_at TEXT,
		budget_cents INTEGER CHECK(budget_cents IS NULL OR budget_cents >= 0),
		notes        TEXT,
		created_at   TEXT NOT NULL,
		UNIQUE(plan_id, position),
		CHECK(arrival_at IS NULL OR departure_at IS NULL OR departure_at >= arrival_at)
	)`,
}
