// Package ingest implements the producer-facing intake: payload parsing and
// normalization, per-producer NDJSON shard appends, and an optional
// asynchronous queue that coalesces writes before triggering one incremental
// indexing pass.
package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/indexer"
	"github.com/mikroscope/mikroscope/internal/telemetry"
)

const ingestSubdir = "ingest"

// IndexFunc triggers one incremental indexing pass after writes land.
type IndexFunc func() (indexer.Report, error)

// Pipeline accepts normalized batches and persists them under the logs root.
type Pipeline struct {
	logsRoot     string
	maxBodyBytes int64
	indexFn      IndexFunc
	queue        *Queue // nil in synchronous mode
}

// Result reports the outcome of one ingest request.
type Result struct {
	Accepted   int    `json:"accepted"`
	Rejected   int    `json:"rejected"`
	Queued     bool   `json:"queued"`
	ProducerID string `json:"producerId"`
	ReceivedAt string `json:"receivedAt"`
}

// New builds a synchronous pipeline. Call EnableQueue to switch to queued
// mode before serving traffic.
func New(logsRoot string, maxBodyBytes int64, indexFn IndexFunc) *Pipeline {
	return &Pipeline{
		logsRoot:     logsRoot,
		maxBodyBytes: maxBodyBytes,
		indexFn:      indexFn,
	}
}

// EnableQueue switches the pipeline to asynchronous mode with the given
// coalescing window.
func (p *Pipeline) EnableQueue(flushMs int) {
	p.queue = newQueue(p, flushMs)
}

// Queued reports whether the async queue is active.
func (p *Pipeline) Queued() bool {
	return p.queue != nil
}

// MaxBodyBytes returns the configured request body cap.
func (p *Pipeline) MaxBodyBytes() int64 {
	return p.maxBodyBytes
}

// QueueState returns queue observability counters, nil when synchronous.
func (p *Pipeline) QueueState() *QueueState {
	if p.queue == nil {
		return nil
	}
	state := p.queue.state()
	return &state
}

// ErrBadPayload marks request bodies that are neither an array of objects nor
// an object with a "logs" array.
var ErrBadPayload = fmt.Errorf("payload must be a JSON array or an object with a logs array")

// ParsePayload decodes the request body. An empty body is an empty array.
// Non-object elements are rejected, not fatal.
func ParsePayload(body []byte) (records []map[string]interface{}, rejected int, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, 0, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, 0, fmt.Errorf("invalid JSON: %w", err)
	}

	var elements []interface{}
	switch v := raw.(type) {
	case []interface{}:
		elements = v
	case map[string]interface{}:
		logs, ok := v["logs"].([]interface{})
		if !ok {
			return nil, 0, ErrBadPayload
		}
		elements = logs
	default:
		return nil, 0, ErrBadPayload
	}

	for _, el := range elements {
		obj, ok := el.(map[string]interface{})
		if !ok {
			rejected++
			continue
		}
		records = append(records, obj)
	}
	return records, rejected, nil
}

// Ingest normalizes and persists one batch for producerID. In queued mode the
// records are enqueued and the call returns immediately.
func (p *Pipeline) Ingest(producerID string, records []map[string]interface{}, rejected int) (Result, error) {
	receivedAt := time.Now().UTC().Format(time.RFC3339)

	// The producer cannot forge producerId; the server-resolved identity and
	// a batch-wide ingestedAt stamp overwrite whatever was submitted.
	for _, record := range records {
		record["producerId"] = producerID
		record["ingestedAt"] = receivedAt
	}

	result := Result{
		Accepted:   len(records),
		Rejected:   rejected,
		ProducerID: producerID,
		ReceivedAt: receivedAt,
	}
	telemetry.IngestRecordsTotal.WithLabelValues("accepted").Add(float64(len(records)))
	telemetry.IngestRecordsTotal.WithLabelValues("rejected").Add(float64(rejected))

	if len(records) == 0 {
		return result, nil
	}

	if p.queue != nil {
		p.queue.enqueue(producerID, records)
		result.Queued = true
		return result, nil
	}

	if err := p.writeBatch(producerID, records); err != nil {
		return result, err
	}
	if _, err := p.indexFn(); err != nil {
		// The write landed; indexing will catch up on the next pass.
		log.Warn().Err(err).Msg("Post-ingest indexing failed")
	}
	return result, nil
}

// writeBatch appends the records to the producer's shard for today, one JSON
// document per line, as a single append-mode write.
func (p *Pipeline) writeBatch(producerID string, records []map[string]interface{}) error {
	dir := filepath.Join(p.logsRoot, ingestSubdir, producerID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ingest directory %s: %w", dir, err)
	}

	var buf bytes.Buffer
	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("serialize record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	path := filepath.Join(dir, time.Now().UTC().Format("2006-01-02")+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open shard %s: %w", path, err)
	}
	defer file.Close()

	if _, err := file.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("append to shard %s: %w", path, err)
	}
	return nil
}

// Shutdown drains the queue once. Errors are logged, not raised.
func (p *Pipeline) Shutdown() {
	if p.queue != nil {
		p.queue.drain()
	}
}
