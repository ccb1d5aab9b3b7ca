// Package server assembles the sidecar: preflight checks, component wiring
// in dependency order, the HTTP listener, and coordinated shutdown.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/alerting"
	"github.com/mikroscope/mikroscope/internal/api"
	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/indexer"
	"github.com/mikroscope/mikroscope/internal/ingest"
	"github.com/mikroscope/mikroscope/internal/maintenance"
	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
	"github.com/mikroscope/mikroscope/internal/telemetry"
)

const shutdownTimeout = 30 * time.Second

// Server owns every long-lived component of the sidecar.
type Server struct {
	cfg     *config.Config
	version string

	store    *store.Store
	indexer  *indexer.Indexer
	queries  *query.Service
	pipeline *ingest.Pipeline
	alerts   *alerting.Manager
	watcher  *alerting.PolicyWatcher
	maint    *maintenance.Loop
	httpSrv  *http.Server

	ingestStop chan struct{}

	shutdownOnce sync.Once
}

// New runs preflight, opens the store, and wires every component. The first
// incremental indexing pass runs synchronously so the health report reflects
// the current file tree before the listener accepts traffic.
func New(cfg *config.Config, version string) (*Server, error) {
	if err := preflight(filepath.Dir(cfg.DBPath), cfg.MinFreeBytes); err != nil {
		return nil, fmt.Errorf("database directory preflight: %w", err)
	}
	if err := preflight(cfg.LogsPath, cfg.MinFreeBytes); err != nil {
		return nil, fmt.Errorf("logs directory preflight: %w", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	ix := indexer.New(st, cfg.LogsPath)
	queries := query.New(st)

	if _, err := ix.Run(indexer.ModeIncremental); err != nil {
		log.Warn().Err(err).Msg("Initial indexing pass finished with errors")
	}

	pipe := ingest.New(cfg.LogsPath, cfg.IngestMaxBodyBytes, ix.RunIncrementalShared)
	if cfg.IngestAsyncQueue {
		pipe.EnableQueue(cfg.IngestQueueFlushMs)
	}

	alerts, err := alerting.New(queries, cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	maint := maintenance.New(st, cfg)

	s := &Server{
		cfg:      cfg,
		version:  version,
		store:    st,
		indexer:  ix,
		queries:  queries,
		pipeline: pipe,
		alerts:   alerts,
		maint:    maint,
	}

	s.httpSrv = &http.Server{
		Handler:           api.NewRouter(cfg, st, ix, queries, pipe, alerts, maint, version),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Run starts the background tasks and serves HTTP until ctx is cancelled or
// the listener fails. Shutdown is performed before returning.
func (s *Server) Run(ctx context.Context) error {
	// One synchronous maintenance pass, then the timer takes over.
	s.maint.Run()
	s.maint.Start()

	if !s.cfg.DisableAutoIngest {
		s.startAutoIngest()
	}

	if watcher, err := alerting.NewPolicyWatcher(s.alerts); err != nil {
		log.Warn().Err(err).Msg("Alert policy file watcher unavailable")
	} else if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("Failed to start alert policy file watcher")
	} else {
		s.watcher = watcher
	}

	if s.cfg.MetricsPort > 0 {
		telemetry.StartMetricsServer(ctx, fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort))
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.Shutdown()
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.alerts.SetServiceURL(s.serviceURL(listener.Addr()))
	s.alerts.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", listener.Addr().String()).
			Str("protocol", s.cfg.Protocol).
			Msg("Server listening")
		if s.cfg.Protocol == "https" {
			errCh <- s.httpSrv.ServeTLS(listener, s.cfg.TLSCertPath, s.cfg.TLSKeyPath)
		} else {
			errCh <- s.httpSrv.Serve(listener)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server...")
		s.Shutdown()
		return nil
	case err := <-errCh:
		s.Shutdown()
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// startAutoIngest launches the periodic incremental indexing ticker.
func (s *Server) startAutoIngest() {
	s.ingestStop = make(chan struct{})
	interval := time.Duration(s.cfg.IngestIntervalMs) * time.Millisecond

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ingestStop:
				return
			case <-ticker.C:
				if _, err := s.indexer.RunIncrementalShared(); err != nil {
					log.Warn().Err(err).Msg("Periodic indexing pass finished with errors")
				}
			}
		}
	}()
}

// serviceURL renders the public URL carried in webhook payloads. A wildcard
// bind address is replaced with localhost.
func (s *Server) serviceURL(addr net.Addr) string {
	host := s.cfg.Host
	if host == "0.0.0.0" || host == "::" || host == "" {
		host = "localhost"
	}
	port := s.cfg.Port
	if tcp, ok := addr.(*net.TCPAddr); ok {
		port = tcp.Port
	}
	return fmt.Sprintf("%s://%s:%d", s.cfg.Protocol, host, port)
}

// Shutdown stops timers, drains the ingest queue, and closes the store.
// Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.maint.Stop()
		if s.ingestStop != nil {
			close(s.ingestStop)
		}
		if s.watcher != nil {
			s.watcher.Stop()
		}
		s.alerts.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("HTTP shutdown error")
		}

		s.pipeline.Shutdown()

		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close store")
		}
		log.Info().Msg("Server stopped")
	})
}
