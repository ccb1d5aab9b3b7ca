package store

import (
	"fmt"
)

// Group-by modes accepted by Aggregate.
const (
	GroupByLevel       = "level"
	GroupByEvent       = "event"
	GroupByField       = "field"
	GroupByCorrelation = "correlation"

	// DefaultAggregateLimit applies when no bucket limit was requested.
	DefaultAggregateLimit = 25

	missingBucket = "(missing)"
)

// Bucket is one aggregation result.
type Bucket struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

// ValidGroupBy reports whether groupBy names a supported aggregation mode.
func ValidGroupBy(groupBy string) bool {
	switch groupBy {
	case GroupByLevel, GroupByEvent, GroupByField, GroupByCorrelation:
		return true
	}
	return false
}

// Aggregate groups matching entries and counts them. For groupBy "field" a
// non-empty groupField selects which extracted key to bucket on; entries
// without that key land in "(missing)". The "correlation" mode buckets on
// correlationId falling back to requestId.
func (s *Store) Aggregate(filter Filter, groupBy, groupField string, limit int) ([]Bucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit = ClampLimit(limit, DefaultAggregateLimit)

	var (
		query string
		args  []interface{}
	)

	switch groupBy {
	case GroupByLevel, GroupByEvent:
		where, whereArgs := filter.whereClause("")
		query = fmt.Sprintf(`
			SELECT %s AS bucket, COUNT(DISTINCT id) AS cnt
			FROM log_entries
			WHERE %s
			GROUP BY bucket
			ORDER BY cnt DESC, bucket ASC
			LIMIT ?`, groupBy, where)
		args = append(whereArgs, limit)

	case GroupByField:
		if groupField == "" {
			return nil, fmt.Errorf("groupField is required when groupBy is %q", GroupByField)
		}
		where, whereArgs := filter.whereClause("e")
		query = `
			SELECT COALESCE(f.value_text, '` + missingBucket + `') AS bucket, COUNT(DISTINCT e.id) AS cnt
			FROM log_entries e
			LEFT JOIN log_fields f ON f.entry_id = e.id AND f.key = ?
			WHERE ` + where + `
			GROUP BY bucket
			ORDER BY cnt DESC, bucket ASC
			LIMIT ?`
		args = append([]interface{}{groupField}, whereArgs...)
		args = append(args, limit)

	case GroupByCorrelation:
		where, whereArgs := filter.whereClause("e")
		query = `
			SELECT COALESCE(c.value_text, r.value_text, '` + missingBucket + `') AS bucket, COUNT(DISTINCT e.id) AS cnt
			FROM log_entries e
			LEFT JOIN log_fields c ON c.entry_id = e.id AND c.key = 'correlationId'
			LEFT JOIN log_fields r ON r.entry_id = e.id AND r.key = 'requestId'
			WHERE ` + where + `
			GROUP BY bucket
			ORDER BY cnt DESC, bucket ASC
			LIMIT ?`
		args = append(whereArgs, limit)

	default:
		return nil, fmt.Errorf("unsupported groupBy %q", groupBy)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by %s: %w", groupBy, err)
	}
	defer rows.Close()

	var buckets []Bucket
	for rows.Next() {
		var b Bucket
		if err := rows.Scan(&b.Key, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
