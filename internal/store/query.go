package store

import (
	"fmt"
	"strings"
)

const (
	// MaxQueryLimit bounds a single page regardless of the caller's clamp.
	MaxQueryLimit = 1000

	// DefaultQueryLimit applies when no limit was requested.
	DefaultQueryLimit = 100
)

// Filter selects entries for queries, counts, and aggregation. Zero values
// mean "no constraint". FieldKey/FieldValue form a single exact-match field
// predicate; multiple field predicates are intentionally unsupported to keep
// query plans bounded.
type Filter struct {
	From       string // inclusive ISO lower bound
	To         string // inclusive ISO upper bound
	Level      string // exact match, normalized to upper case
	Audit      *bool
	FieldKey   string
	FieldValue string
}

// Cursor addresses the position after the last row of the previous page.
type Cursor struct {
	ID        int64  `json:"id"`
	Timestamp string `json:"timestamp"`
}

// Entry is one indexed record as returned by queries.
type Entry struct {
	ID         int64
	Timestamp  string
	Level      string
	Event      string
	Message    string
	IsAudit    bool
	DataJSON   string
	SourceFile string
	LineNumber int
}

// Page is the result of a single QueryPage call.
type Page struct {
	Entries []Entry
	HasMore bool
	Limit   int
}

func (f Filter) whereClause(alias string) (string, []interface{}) {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}

	var sb strings.Builder
	sb.WriteString("1=1")
	args := []interface{}{}

	if f.From != "" {
		sb.WriteString(" AND " + prefix + "timestamp >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		sb.WriteString(" AND " + prefix + "timestamp <= ?")
		args = append(args, f.To)
	}
	if f.Level != "" {
		sb.WriteString(" AND " + prefix + "level = ?")
		args = append(args, strings.ToUpper(f.Level))
	}
	if f.Audit != nil {
		sb.WriteString(" AND " + prefix + "is_audit = ?")
		if *f.Audit {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.FieldKey != "" {
		sb.WriteString(" AND EXISTS (SELECT 1 FROM log_fields lf WHERE lf.entry_id = " + prefix + "id AND lf.key = ? AND lf.value_text = ?)")
		args = append(args, f.FieldKey, f.FieldValue)
	}
	return sb.String(), args
}

// QueryPage returns one page ordered by (timestamp DESC, id DESC). A non-nil
// cursor restricts results to rows strictly before the cursor position. The
// store fetches limit+1 rows to learn whether more pages exist.
func (s *Store) QueryPage(filter Filter, cursor *Cursor, limit int) (Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = ClampLimit(limit, DefaultQueryLimit)

	where, args := filter.whereClause("")
	query := `SELECT id, timestamp, level, event, message, is_audit, data_json, source_file, line_number
		FROM log_entries WHERE ` + where
	if cursor != nil {
		query += ` AND (timestamp < ? OR (timestamp = ? AND id < ?))`
		args = append(args, cursor.Timestamp, cursor.Timestamp, cursor.ID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var isAudit int
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Event, &e.Message, &isAudit, &e.DataJSON, &e.SourceFile, &e.LineNumber); err != nil {
			return Page{}, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.IsAudit = isAudit == 1
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Entries: entries, Limit: limit}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.HasMore = true
	}
	return page, nil
}

// Count returns the number of entries matching the filter.
func (s *Store) Count(filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := filter.whereClause("")
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM log_entries WHERE `+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// ClampLimit forces limit into [1, MaxQueryLimit], substituting fallback for
// non-positive values.
func ClampLimit(limit, fallback int) int {
	if limit <= 0 {
		limit = fallback
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxQueryLimit {
		limit = MaxQueryLimit
	}
	return limit
}
