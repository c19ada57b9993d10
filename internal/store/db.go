// Package store persists import records and imported events in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database holding records, events, venues and
// organizers.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// migration is one schema step, applied once and in order.
type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "records",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				parent_id INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL,
				origin TEXT NOT NULL,
				source TEXT NOT NULL DEFAULT '',
				frequency TEXT NOT NULL DEFAULT '',
				last_run INTEGER NOT NULL DEFAULT 0,
				import_id TEXT NOT NULL DEFAULT '',
				message TEXT NOT NULL DEFAULT '',
				post_status TEXT NOT NULL DEFAULT '',
				activity TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_records_status_origin ON records(status, origin)`,
			`CREATE INDEX IF NOT EXISTS idx_records_parent_status ON records(parent_id, status)`,
		},
	},
	{
		version:     2,
		description: "events, venues and organizers",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS venues (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uid TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				address TEXT NOT NULL DEFAULT '',
				city TEXT NOT NULL DEFAULT '',
				country TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_venues_uid ON venues(uid) WHERE uid != ''`,
			`CREATE TABLE IF NOT EXISTS organizers (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uid TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				email TEXT NOT NULL DEFAULT '',
				website TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_organizers_uid ON organizers(uid) WHERE uid != ''`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				uid TEXT NOT NULL DEFAULT '',
				origin TEXT NOT NULL,
				record_id INTEGER NOT NULL DEFAULT 0,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				location TEXT NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				start_at INTEGER NOT NULL,
				end_at INTEGER NOT NULL DEFAULT 0,
				all_day INTEGER NOT NULL DEFAULT 0,
				categories TEXT NOT NULL DEFAULT '',
				venue_id INTEGER NOT NULL DEFAULT 0,
				organizer_ids TEXT NOT NULL DEFAULT '',
				post_status TEXT NOT NULL DEFAULT 'publish'
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_origin_uid ON events(origin, uid) WHERE uid != ''`,
		},
	},
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the time source used for created/updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL,
		description TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.description, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)`,
			m.version, time.Now().Unix(), m.description); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
