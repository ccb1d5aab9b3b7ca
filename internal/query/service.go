// Package query adapts the index store for the HTTP surface: it clamps page
// limits, encodes opaque pagination cursors, and validates aggregation
// parameters.
package query

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mikroscope/mikroscope/internal/store"
)

// ErrInvalidParams marks caller mistakes in query parameters; the HTTP layer
// maps it to a 400 while everything else stays a 500.
var ErrInvalidParams = errors.New("invalid query parameters")

// Service is a thin stateless layer over the store.
type Service struct {
	store *store.Store
}

// New builds a query service over st.
func New(st *store.Store) *Service {
	return &Service{store: st}
}

// PageOptions selects one page of entries.
type PageOptions struct {
	Filter store.Filter
	Limit  int
	Cursor string // opaque; malformed values are treated as absent
}

// PageResult is one page plus the cursor for the next one.
type PageResult struct {
	Entries    []store.Entry
	HasMore    bool
	Limit      int
	NextCursor string // empty when HasMore is false
}

// QueryPage returns entries ordered (timestamp DESC, id DESC). When more rows
// exist, NextCursor encodes the last returned row.
func (s *Service) QueryPage(opts PageOptions) (PageResult, error) {
	limit := store.ClampLimit(opts.Limit, store.DefaultQueryLimit)
	cursor := DecodeCursor(opts.Cursor)

	page, err := s.store.QueryPage(opts.Filter, cursor, limit)
	if err != nil {
		return PageResult{}, err
	}

	result := PageResult{
		Entries: page.Entries,
		HasMore: page.HasMore,
		Limit:   page.Limit,
	}
	if page.HasMore && len(page.Entries) > 0 {
		last := page.Entries[len(page.Entries)-1]
		result.NextCursor = EncodeCursor(store.Cursor{ID: last.ID, Timestamp: last.Timestamp})
	}
	return result, nil
}

// Aggregate groups matching entries. groupBy must be one of level, event,
// field, correlation; groupField is required for field.
func (s *Service) Aggregate(filter store.Filter, groupBy, groupField string, limit int) ([]store.Bucket, error) {
	if !store.ValidGroupBy(groupBy) {
		return nil, fmt.Errorf("%w: groupBy %q (want level, event, field, or correlation)", ErrInvalidParams, groupBy)
	}
	if groupBy == store.GroupByField && groupField == "" {
		return nil, fmt.Errorf("%w: groupField is required when groupBy is %q", ErrInvalidParams, store.GroupByField)
	}
	limit = store.ClampLimit(limit, store.DefaultAggregateLimit)
	return s.store.Aggregate(filter, groupBy, groupField, limit)
}

// Count returns the number of matching entries; the alerting manager uses it
// for window evaluation.
func (s *Service) Count(filter store.Filter) (int64, error) {
	return s.store.Count(filter)
}

// EncodeCursor renders a cursor as base64url-of-JSON.
func EncodeCursor(c store.Cursor) string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeCursor parses an opaque cursor. Malformed or unknown cursors return
// nil, which yields the first page.
func DecodeCursor(raw string) *store.Cursor {
	if raw == "" {
		return nil
	}
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil
	}
	var c store.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil
	}
	if c.ID <= 0 || c.Timestamp == "" {
		return nil
	}
	return &c
}
