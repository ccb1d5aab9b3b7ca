package ingest

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/telemetry"
)

// batch is one enqueued producer submission.
type batch struct {
	id         string
	producerID string
	records    []map[string]interface{}
}

// Queue coalesces ingest writes: batches arriving within the flush window are
// merged per producer and written together, followed by a single incremental
// indexing pass.
type Queue struct {
	pipeline *Pipeline
	flushMs  int

	mu       sync.Mutex
	pending  []batch
	timer    *time.Timer
	draining bool

	flushedBatches int64
	flushedRecords int64
	lastError      string
	lastFlushAt    string
}

// QueueState is the queue section of the health report.
type QueueState struct {
	PendingBatches int    `json:"pendingBatches"`
	PendingRecords int    `json:"pendingRecords"`
	Draining       bool   `json:"draining"`
	FlushedBatches int64  `json:"flushedBatches"`
	FlushedRecords int64  `json:"flushedRecords"`
	LastError      string `json:"lastError,omitempty"`
	LastFlushAt    string `json:"lastFlushAt,omitempty"`
}

func newQueue(p *Pipeline, flushMs int) *Queue {
	if flushMs <= 0 {
		flushMs = 250
	}
	return &Queue{pipeline: p, flushMs: flushMs}
}

// enqueue appends a batch and arms the flush timer. Enqueueing stays allowed
// while a drain is in flight.
func (q *Queue) enqueue(producerID string, records []map[string]interface{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, batch{
		id:         ulid.Make().String(),
		producerID: producerID,
		records:    records,
	})
	q.updateGaugeLocked()
	q.scheduleLocked()
}

func (q *Queue) scheduleLocked() {
	if q.timer != nil || q.draining || len(q.pending) == 0 {
		return
	}
	q.timer = time.AfterFunc(time.Duration(q.flushMs)*time.Millisecond, q.flush)
}

// flush drains the whole pending list, merging same-producer batches into one
// write each, then runs one indexing pass. On a write failure only the
// batches whose shard append did not land are re-prepended; requeueing a
// written batch would duplicate its records durably.
func (q *Queue) flush() {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.timer = nil
	items := q.pending
	q.pending = nil
	q.mu.Unlock()

	written, requeue, err := q.writeAll(items)

	q.mu.Lock()
	q.draining = false
	if err != nil {
		q.lastError = err.Error()
		q.pending = append(requeue, q.pending...)
		log.Error().Err(err).Int("requeued", len(requeue)).Msg("Queue flush failed, unwritten batches requeued")
	} else {
		q.lastError = ""
	}
	if len(written) > 0 {
		q.lastFlushAt = time.Now().UTC().Format(time.RFC3339)
		q.flushedBatches += int64(len(written))
		for _, b := range written {
			q.flushedRecords += int64(len(b.records))
		}
	}
	q.updateGaugeLocked()
	q.scheduleLocked()
	q.mu.Unlock()
}

func (q *Queue) updateGaugeLocked() {
	records := 0
	for _, b := range q.pending {
		records += len(b.records)
	}
	telemetry.IngestQueuePending.Set(float64(records))
}

// writeAll appends the merged batches producer by producer. The shards are
// the source of truth, so a batch whose append landed is flushed even when a
// later step fails: the error splits items into written and requeue sets, and
// an indexing error after the writes is only logged because the next
// incremental pass picks the records up anyway.
func (q *Queue) writeAll(items []batch) (written, requeue []batch, err error) {
	if len(items) == 0 {
		return nil, nil, nil
	}

	// Merge records of the same producer into a single batch, preserving
	// arrival order of producers and of records within a producer.
	order := []string{}
	merged := map[string][]map[string]interface{}{}
	for _, b := range items {
		if _, seen := merged[b.producerID]; !seen {
			order = append(order, b.producerID)
		}
		merged[b.producerID] = append(merged[b.producerID], b.records...)
	}

	landed := make(map[string]bool, len(order))
	for _, producerID := range order {
		if werr := q.pipeline.writeBatch(producerID, merged[producerID]); werr != nil {
			err = werr
			break
		}
		landed[producerID] = true
		log.Debug().
			Str("producer", producerID).
			Int("records", len(merged[producerID])).
			Str("batch", items[0].id).
			Msg("Flushed ingest batch")
	}

	for _, b := range items {
		if landed[b.producerID] {
			written = append(written, b)
		} else {
			requeue = append(requeue, b)
		}
	}
	if err != nil {
		return written, requeue, err
	}

	if _, ierr := q.pipeline.indexFn(); ierr != nil {
		log.Warn().Err(ierr).Msg("Post-flush indexing failed")
	}
	return written, nil, nil
}

// drain flushes remaining items once during shutdown.
func (q *Queue) drain() {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	hasPending := len(q.pending) > 0
	q.mu.Unlock()

	if hasPending {
		q.flush()
	}
}

func (q *Queue) state() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	records := 0
	for _, b := range q.pending {
		records += len(b.records)
	}
	return QueueState{
		PendingBatches: len(q.pending),
		PendingRecords: records,
		Draining:       q.draining,
		FlushedBatches: q.flushedBatches,
		FlushedRecords: q.flushedRecords,
		LastError:      q.lastError,
		LastFlushAt:    q.lastFlushAt,
	}
}
