// Package store provides the persistent relational index over raw NDJSON
// logs: entries, their extracted scalar fields, filtered queries, grouped
// aggregation, and retention pruning. SQLite is the backing engine; the raw
// files stay the source of truth and the index can always be rebuilt.
package store

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// TimeLayout is the canonical fixed-width UTC timestamp format stored in the
// index. Fixed width keeps lexicographic ordering chronological.
const TimeLayout = "2006-01-02T15:04:05.000Z"

// Store wraps the SQLite index database.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dbPath string
}

// Open opens (creating if needed) the index database at dbPath.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas ride in the DSN so every pool connection is configured.
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Info().Str("dbPath", dbPath).Msg("Index store opened")
	return s, nil
}

// initSchema creates the tables and runs migrations.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS log_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		level TEXT NOT NULL,
		event TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		is_audit INTEGER NOT NULL DEFAULT 0,
		data_json TEXT NOT NULL,
		source_file TEXT NOT NULL,
		line_number INTEGER NOT NULL,
		indexed_at TEXT NOT NULL,
		UNIQUE(source_file, line_number)
	);

	CREATE TABLE IF NOT EXISTS log_fields (
		entry_id INTEGER NOT NULL REFERENCES log_entries(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value_text TEXT NOT NULL,
		UNIQUE(entry_id, key, value_text)
	);

	CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON log_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_entries_level_ts ON log_entries(level, timestamp);
	CREATE INDEX IF NOT EXISTS idx_entries_event_ts ON log_entries(event, timestamp);
	CREATE INDEX IF NOT EXISTS idx_entries_audit_ts ON log_entries(is_audit, timestamp);
	CREATE INDEX IF NOT EXISTS idx_fields_key_value ON log_fields(key, value_text);
	CREATE INDEX IF NOT EXISTS idx_fields_entry_key ON log_fields(entry_id, key);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return s.migrate()
}

// migrate upgrades databases created before the is_audit column existed.
func (s *Store) migrate() error {
	rows, err := s.db.Query(`PRAGMA table_info(log_entries)`)
	if err != nil {
		return fmt.Errorf("failed to inspect log_entries: %w", err)
	}
	defer rows.Close()

	hasAudit := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == "is_audit" {
			hasAudit = true
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if !hasAudit {
		if _, err := s.db.Exec(`ALTER TABLE log_entries ADD COLUMN is_audit INTEGER NOT NULL DEFAULT 0`); err != nil {
			return fmt.Errorf("failed to add is_audit column: %w", err)
		}
		log.Info().Msg("Migrated log_entries: added is_audit column")
	}
	return nil
}

// Stats describes the current index size.
type Stats struct {
	EntryCount      int64 `json:"entryCount"`
	FieldCount      int64 `json:"fieldCount"`
	PageCount       int64 `json:"pageCount"`
	PageSize        int64 `json:"pageSize"`
	ApproxSizeBytes int64 `json:"approxSizeBytes"`
}

// GetStats returns entry/field counts and the approximate database size.
func (s *Store) GetStats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM log_entries`).Scan(&st.EntryCount); err != nil {
		return st, fmt.Errorf("failed to count entries: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM log_fields`).Scan(&st.FieldCount); err != nil {
		return st, fmt.Errorf("failed to count fields: %w", err)
	}
	if err := s.db.QueryRow(`PRAGMA page_count`).Scan(&st.PageCount); err != nil {
		return st, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := s.db.QueryRow(`PRAGMA page_size`).Scan(&st.PageSize); err != nil {
		return st, fmt.Errorf("failed to read page_size: %w", err)
	}
	st.ApproxSizeBytes = st.PageCount * st.PageSize
	return st, nil
}

// Vacuum compacts the database file. Callers only trigger it after rows were
// actually removed.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("failed to vacuum index database: %w", err)
	}
	return nil
}

// Reset wipes every entry and field. Entry ids are not reused afterwards.
func (s *Store) Reset() (entriesDeleted, fieldsDeleted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM log_fields`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete fields: %w", err)
	}
	fieldsDeleted, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM log_entries`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	entriesDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit reset: %w", err)
	}

	log.Info().
		Int64("entries", entriesDeleted).
		Int64("fields", fieldsDeleted).
		Msg("Index store reset")
	return entriesDeleted, fieldsDeleted, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Close releases the database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close index database: %w", err)
	}
	return nil
}
