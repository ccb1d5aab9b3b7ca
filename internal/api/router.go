// Package api is the HTTP surface: routing, CORS, auth gating, and the JSON
// handlers for health, query, ingest, reindex, and alert configuration.
package api

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/alerting"
	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/indexer"
	"github.com/mikroscope/mikroscope/internal/ingest"
	"github.com/mikroscope/mikroscope/internal/logging"
	"github.com/mikroscope/mikroscope/internal/maintenance"
	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
)

// Router handles HTTP routing for the sidecar.
type Router struct {
	mux       *http.ServeMux
	config    *config.Config
	store     *store.Store
	indexer   *indexer.Indexer
	queries   *query.Service
	pipeline  *ingest.Pipeline
	alerts    *alerting.Manager
	maint     *maintenance.Loop
	producers map[string]string // ingest token -> producer id
	origins   []string          // parsed corsAllowOrigin list
	version   string
	startedAt time.Time
}

// NewRouter wires the handlers over the running components.
func NewRouter(cfg *config.Config, st *store.Store, ix *indexer.Indexer, qs *query.Service, pipe *ingest.Pipeline, alerts *alerting.Manager, maint *maintenance.Loop, version string) http.Handler {
	producers, err := config.ParseProducers(cfg.IngestProducers)
	if err != nil {
		// Config validation rejects malformed lists before we get here.
		producers = map[string]string{}
	}

	var origins []string
	for _, o := range strings.Split(cfg.CORSAllowOrigin, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	r := &Router{
		mux:       http.NewServeMux(),
		config:    cfg,
		store:     st,
		indexer:   ix,
		queries:   qs,
		pipeline:  pipe,
		alerts:    alerts,
		maint:     maint,
		producers: producers,
		origins:   origins,
		version:   version,
		startedAt: time.Now(),
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes.
func (r *Router) setupRoutes() {
	// Unauthenticated surface
	r.mux.HandleFunc("/health", r.handleHealth)
	r.mux.HandleFunc("/openapi.json", r.handleOpenAPIJSON)
	r.mux.HandleFunc("/openapi.yaml", r.handleOpenAPIYAML)
	r.mux.HandleFunc("/docs", r.handleDocs)
	r.mux.HandleFunc("/docs/", r.handleDocs)

	// Producer intake (its own auth scheme)
	r.mux.HandleFunc("/api/ingest", r.handleIngest)

	// Authenticated API
	r.mux.HandleFunc("/api/version", r.requireAuth(r.handleVersion))
	r.mux.HandleFunc("/api/logs", r.requireAuth(r.handleLogs))
	r.mux.HandleFunc("/api/logs/aggregate", r.requireAuth(r.handleAggregate))
	r.mux.HandleFunc("/api/reindex", r.requireAuth(r.handleReindex))
	r.mux.HandleFunc("/api/alerts/config", r.requireAuth(r.handleAlertConfig))
	r.mux.HandleFunc("/api/alerts/test-webhook", r.requireAuth(r.handleTestWebhook))
}

// ServeHTTP applies the cross-cutting layers: panic recovery, request id,
// CORS, preflight short-circuit, then dispatches to the mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().
				Interface("panic", rec).
				Str("path", req.URL.Path).
				Bytes("stack", debug.Stack()).
				Msg("Handler panicked")
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
	}()

	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-Id"))
	req = req.WithContext(ctx)
	w.Header().Set("X-Request-Id", requestID)
	r.applyCORS(w, req)

	if req.Method == http.MethodOptions && r.corsEligible(req.URL.Path) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// corsEligible limits the OPTIONS short-circuit to the documented prefixes.
func (r *Router) corsEligible(path string) bool {
	return path == "/health" ||
		strings.HasPrefix(path, "/openapi.") ||
		path == "/docs" || strings.HasPrefix(path, "/docs/") ||
		strings.HasPrefix(path, "/api/")
}

// applyCORS sets the allow headers. A wildcard list always matches; a
// specific list matches the request Origin exactly and adds Vary: Origin.
func (r *Router) applyCORS(w http.ResponseWriter, req *http.Request) {
	allowed := ""
	for _, origin := range r.origins {
		if origin == "*" {
			allowed = "*"
			break
		}
		if origin == req.Header.Get("Origin") {
			allowed = origin
			w.Header().Set("Vary", "Origin")
			break
		}
	}
	if allowed != "" {
		w.Header().Set("Access-Control-Allow-Origin", allowed)
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "authorization,content-type")
}

// requireAuth gates a handler behind the API credentials. When neither a
// bearer token nor basic credentials are configured the API is open.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.apiAuthorized(req) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, req)
	}
}
