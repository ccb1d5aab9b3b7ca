package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/mikroscope/mikroscope/internal/ingest"
	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
)

// entryJSON is the wire shape of one indexed record.
type entryJSON struct {
	ID         int64           `json:"id"`
	Timestamp  string          `json:"timestamp"`
	Level      string          `json:"level"`
	Event      string          `json:"event"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
	SourceFile string          `json:"sourceFile"`
	LineNumber int             `json:"lineNumber"`
}

func toEntryJSON(e store.Entry) entryJSON {
	data := json.RawMessage(e.DataJSON)
	if len(data) == 0 || !json.Valid(data) {
		data = json.RawMessage("null")
	}
	return entryJSON{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Level:      e.Level,
		Event:      e.Event,
		Message:    e.Message,
		Data:       data,
		SourceFile: e.SourceFile,
		LineNumber: e.LineNumber,
	}
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	stats, err := r.store.GetStats()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read store stats for health report")
	}

	var queue interface{}
	if state := r.pipeline.QueueState(); state != nil {
		queue = state
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"service":   "mikroscope",
		"uptimeSec": int64(time.Since(r.startedAt).Seconds()),
		"ingest":    r.indexer.StateSnapshot(),
		"auth": map[string]bool{
			"apiTokenEnabled": r.config.APIToken != "",
			"basicEnabled":    r.config.BasicAuthConfigured(),
		},
		"ingestPolicy": map[string]interface{}{
			"intervalMs":   r.config.IngestIntervalMs,
			"autoIngest":   !r.config.DisableAutoIngest,
			"asyncQueue":   r.config.IngestAsyncQueue,
			"queueFlushMs": r.config.IngestQueueFlushMs,
		},
		"ingestEndpoint": map[string]interface{}{
			"enabled":       r.config.IngestEnabled(),
			"maxBodyBytes":  r.config.IngestMaxBodyBytes,
			"producerCount": len(r.producers),
			"queue":         queue,
		},
		"alerting":    r.alerts.StateSnapshot(),
		"alertPolicy": r.alerts.MaskedPolicy(),
		"maintenance": r.maint.StateSnapshot(),
		"retentionDays": map[string]int{
			"db":        r.config.DBRetentionDays,
			"dbAudit":   r.config.DBAuditRetentionDays,
			"logs":      r.config.LogRetentionDays,
			"logsAudit": r.config.LogAuditRetentionDays,
		},
		"backup": map[string]string{
			"auditDirectory": r.config.AuditBackupDirectory,
		},
		"storage": map[string]interface{}{
			"dbApproximateSizeBytes": stats.ApproxSizeBytes,
			"dbDirectoryFreeBytes":   freeBytes(filepath.Dir(r.store.Path())),
			"logsDirectoryFreeBytes": freeBytes(r.config.LogsPath),
			"minFreeBytes":           r.config.MinFreeBytes,
		},
	})
}

// freeBytes reports available space for the filesystem holding path, zero
// when the path cannot be statted.
func freeBytes(path string) uint64 {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return usage.Free
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"version": r.version,
		"service": "mikroscope",
	})
}

func (r *Router) handleLogs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, limit, ok := parseFilter(w, req)
	if !ok {
		return
	}

	result, err := r.queries.QueryPage(query.PageOptions{
		Filter: filter,
		Limit:  limit,
		Cursor: req.URL.Query().Get("cursor"),
	})
	if err != nil {
		log.Error().Err(err).Msg("Log query failed")
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}

	entries := make([]entryJSON, 0, len(result.Entries))
	for _, e := range result.Entries {
		entries = append(entries, toEntryJSON(e))
	}

	payload := map[string]interface{}{
		"entries": entries,
		"hasMore": result.HasMore,
		"limit":   result.Limit,
	}
	if result.NextCursor != "" {
		payload["nextCursor"] = result.NextCursor
	}
	writeJSON(w, http.StatusOK, payload)
}

func (r *Router) handleAggregate(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter, limit, ok := parseFilter(w, req)
	if !ok {
		return
	}
	groupBy := req.URL.Query().Get("groupBy")
	groupField := req.URL.Query().Get("groupField")

	buckets, err := r.queries.Aggregate(filter, groupBy, groupField, limit)
	if err != nil {
		if errors.Is(err, query.ErrInvalidParams) {
			writeError(w, http.StatusBadRequest, err.Error())
		} else {
			log.Error().Err(err).Msg("Aggregation failed")
			writeError(w, http.StatusInternalServerError, "aggregation failed")
		}
		return
	}
	if buckets == nil {
		buckets = []store.Bucket{}
	}

	payload := map[string]interface{}{
		"buckets": buckets,
		"groupBy": groupBy,
	}
	if groupField != "" {
		payload["groupField"] = groupField
	}
	writeJSON(w, http.StatusOK, payload)
}

// parseFilter extracts the shared query parameters. On a validation failure
// it writes the 400 itself and returns ok=false.
func parseFilter(w http.ResponseWriter, req *http.Request) (store.Filter, int, bool) {
	q := req.URL.Query()
	filter := store.Filter{
		From:       q.Get("from"),
		To:         q.Get("to"),
		Level:      q.Get("level"),
		FieldKey:   q.Get("field"),
		FieldValue: q.Get("value"),
	}

	if raw := q.Get("audit"); raw != "" {
		switch strings.ToLower(raw) {
		case "true", "1":
			v := true
			filter.Audit = &v
		case "false", "0":
			v := false
			filter.Audit = &v
		default:
			writeError(w, http.StatusBadRequest, "audit must be true, false, 1, or 0")
			return filter, 0, false
		}
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "limit must be an integer")
			return filter, 0, false
		}
		limit = parsed
	}
	return filter, limit, true
}

func (r *Router) handleReindex(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	entriesDeleted, fieldsDeleted, err := r.store.Reset()
	if err != nil {
		log.Error().Err(err).Msg("Failed to reset index store")
		writeError(w, http.StatusInternalServerError, "reset failed")
		return
	}
	r.indexer.ResetIncrementalState()

	report, err := r.indexer.RunIncrementalShared()
	if err != nil {
		log.Warn().Err(err).Msg("Reindex pass finished with errors")
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"report": report,
		"reset": map[string]int64{
			"entriesDeleted": entriesDeleted,
			"fieldsDeleted":  fieldsDeleted,
		},
	})
}

func (r *Router) handleAlertConfig(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"configPath": r.alerts.PolicyPath(),
			"policy":     r.alerts.Policy(),
		})

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.config.IngestMaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unable to read request body")
			return
		}
		var patch map[string]json.RawMessage
		if err := json.Unmarshal(body, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		policy, err := r.alerts.UpdatePolicy(patch)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"configPath": r.alerts.PolicyPath(),
			"policy":     policy,
		})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (r *Router) handleTestWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.config.IngestMaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	// An empty body and a bare empty array both mean "no override".
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" || trimmed == "[]" {
		trimmed = "{}"
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var overrideURL *string
	for key, value := range raw {
		if key != "webhookUrl" {
			writeError(w, http.StatusBadRequest, "unknown field "+strconv.Quote(key))
			return
		}
		if string(value) == "null" {
			continue
		}
		var url string
		if err := json.Unmarshal(value, &url); err != nil {
			writeError(w, http.StatusBadRequest, "webhookUrl must be a string or null")
			return
		}
		overrideURL = &url
	}

	targetURL, sentAt, err := r.alerts.TestWebhook(overrideURL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"sentAt":    sentAt,
		"targetUrl": targetURL,
	})
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !r.config.IngestEnabled() {
		writeError(w, http.StatusNotFound, "ingest endpoint is not configured")
		return
	}

	producerID, ok := r.resolveProducer(req)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.pipeline.MaxBodyBytes()))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	records, rejected, err := ingest.ParsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := r.pipeline.Ingest(producerID, records, rejected)
	if err != nil {
		log.Error().Err(err).Str("producer", producerID).Msg("Ingest write failed")
		writeError(w, http.StatusInternalServerError, "failed to persist batch")
		return
	}

	status := http.StatusOK
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}
