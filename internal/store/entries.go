package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EntryInput is one normalized record ready for insertion.
type EntryInput struct {
	Timestamp  string
	Level      string
	Event      string
	Message    string
	IsAudit    bool
	DataJSON   string
	SourceFile string
	LineNumber int
}

// UpsertEntry inserts the entry if (source_file, line_number) is new and
// returns the existing id otherwise. The pair is the idempotency key that
// makes reindexing safe.
func (s *Store) UpsertEntry(in EntryInput) (entryID int64, inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	isAudit := 0
	if in.IsAudit {
		isAudit = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO log_entries (timestamp, level, event, message, is_audit, data_json, source_file, line_number, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_file, line_number) DO NOTHING`,
		in.Timestamp,
		in.Level,
		in.Event,
		in.Message,
		isAudit,
		in.DataJSON,
		in.SourceFile,
		in.LineNumber,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to upsert entry: %w", err)
	}

	affected, _ := res.RowsAffected()
	if affected > 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("failed to read inserted entry id: %w", err)
		}
		return id, true, nil
	}

	err = s.db.QueryRow(
		`SELECT id FROM log_entries WHERE source_file = ? AND line_number = ?`,
		in.SourceFile, in.LineNumber,
	).Scan(&entryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, fmt.Errorf("entry vanished during upsert for %s:%d", in.SourceFile, in.LineNumber)
		}
		return 0, false, fmt.Errorf("failed to look up existing entry: %w", err)
	}
	return entryID, false, nil
}

// UpsertField records an extracted scalar for filtering and aggregation.
// Idempotent on (entry_id, key, value_text).
func (s *Store) UpsertField(entryID int64, key, valueText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO log_fields (entry_id, key, value_text)
		VALUES (?, ?, ?)
		ON CONFLICT(entry_id, key, value_text) DO NOTHING`,
		entryID, key, valueText,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert field %q: %w", key, err)
	}
	return nil
}

// DeleteEntriesForSourceFile purges every row derived from one source file.
// The indexer calls this when a file was rewritten in place.
func (s *Store) DeleteEntriesForSourceFile(sourceFile string) (entriesDeleted, fieldsDeleted int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		DELETE FROM log_fields WHERE entry_id IN (
			SELECT id FROM log_entries WHERE source_file = ?
		)`, sourceFile)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete fields for %s: %w", sourceFile, err)
	}
	fieldsDeleted, _ = res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM log_entries WHERE source_file = ?`, sourceFile)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to delete entries for %s: %w", sourceFile, err)
	}
	entriesDeleted, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit delete for %s: %w", sourceFile, err)
	}
	return entriesDeleted, fieldsDeleted, nil
}
