package indexer

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/store"
)

const fallbackEvent = "log.event"

// processLine parses one raw NDJSON line and upserts its entry and fields.
// Empty lines are skipped silently; anything that is not a JSON object counts
// as a parse error. Duplicate (source_file, line_number) pairs count as
// skipped records.
func (ix *Indexer) processLine(sourceFile string, lineNumber int, raw string, report *Report) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}

	record, ok := parseObject(raw)
	if !ok {
		report.ParseErrors++
		return
	}

	input := normalizeRecord(record, sourceFile)
	input.SourceFile = sourceFile
	input.LineNumber = lineNumber
	input.DataJSON = raw

	entryID, inserted, err := ix.store.UpsertEntry(input)
	if err != nil {
		log.Warn().Err(err).Str("file", sourceFile).Int("line", lineNumber).Msg("Failed to upsert entry")
		return
	}
	if !inserted {
		report.RecordsSkipped++
		return
	}
	report.RecordsInserted++

	for key, value := range record {
		text, scalar := scalarText(value)
		if !scalar {
			continue
		}
		if err := ix.store.UpsertField(entryID, key, text); err != nil {
			log.Warn().Err(err).Str("file", sourceFile).Int("line", lineNumber).Str("key", key).Msg("Failed to upsert field")
		}
	}
}

// parseObject decodes a line into a JSON object, preserving number texts.
func parseObject(raw string) (map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var record map[string]interface{}
	if err := dec.Decode(&record); err != nil || record == nil {
		return nil, false
	}
	return record, true
}

// normalizeRecord maps a raw record onto the indexed columns, applying the
// defaulting rules for timestamp, level, event, message, and the audit flag.
func normalizeRecord(record map[string]interface{}, sourceFile string) store.EntryInput {
	input := store.EntryInput{}

	input.Timestamp = normalizeTimestamp(record["timestamp"])
	input.Level = normalizeLevel(record["level"])
	input.Message = normalizeMessage(record["message"])
	input.Event = normalizeEvent(record["event"], input.Message)
	input.IsAudit = deriveAudit(record, sourceFile)
	return input
}

// normalizeTimestamp canonicalizes parseable timestamps to fixed-width UTC so
// lexicographic ordering matches chronological ordering. Missing or
// unparseable values take the current wall clock.
func normalizeTimestamp(v interface{}) string {
	if s, ok := v.(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC().Format(timeLayout)
		}
	}
	return time.Now().UTC().Format(timeLayout)
}

func normalizeLevel(v interface{}) string {
	if s, ok := v.(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return strings.ToUpper(trimmed)
		}
	}
	return "INFO"
}

// normalizeMessage keeps string messages as-is, maps null/missing to the
// empty string, and JSON-serializes anything else.
func normalizeMessage(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func normalizeEvent(v interface{}, message string) string {
	if s, ok := v.(string); ok {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			return trimmed
		}
	}
	if message != "" {
		return message
	}
	return fallbackEvent
}

// deriveAudit honors an explicit isAudit boolean (or stringified boolean) in
// the record; otherwise any path segment or basename containing "audit"
// classifies the entry.
func deriveAudit(record map[string]interface{}, sourceFile string) bool {
	switch val := record["isAudit"].(type) {
	case bool:
		return val
	case string:
		if b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(val))); err == nil {
			return b
		}
	}
	return PathIsAudit(sourceFile)
}

// PathIsAudit reports whether any path segment contains "audit",
// case-insensitively. The maintenance loop shares this classification.
func PathIsAudit(sourceFile string) bool {
	for _, segment := range strings.Split(strings.ToLower(sourceFile), "/") {
		if strings.Contains(segment, "audit") {
			return true
		}
	}
	return false
}

// scalarText stringifies scalar JSON values for the field table. Objects and
// arrays are not indexed as fields.
func scalarText(v interface{}) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "null", true
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case json.Number:
		return val.String(), true
	default:
		return "", false
	}
}
