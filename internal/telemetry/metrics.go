// Package telemetry exposes Prometheus counters for the sidecar's internal
// activity. The metrics listener is optional and rides on a separate port so
// the main API surface stays unchanged.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	EntriesIndexedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mikroscope_entries_indexed_total",
			Help: "Total number of log entries inserted into the index",
		},
	)

	ParseErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mikroscope_parse_errors_total",
			Help: "Total number of NDJSON lines that failed to parse",
		},
	)

	IngestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mikroscope_ingest_records_total",
			Help: "Total number of ingested records by outcome",
		},
		[]string{"outcome"}, // accepted, rejected
	)

	IngestQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mikroscope_ingest_queue_pending",
			Help: "Number of records waiting in the ingest queue",
		},
	)

	WebhooksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mikroscope_webhooks_total",
			Help: "Total number of alert webhook outcomes",
		},
		[]string{"outcome"}, // sent, suppressed, failed
	)

	EntriesPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mikroscope_entries_pruned_total",
			Help: "Total number of index entries removed by retention",
		},
	)

	FilesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mikroscope_log_files_deleted_total",
			Help: "Total number of raw log files removed by retention",
		},
	)
)

const metricsShutdownTimeout = 5 * time.Second

// StartMetricsServer serves /metrics on addr until ctx is cancelled.
func StartMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down metrics server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Metrics server stopped unexpectedly")
		}
	}()
}
