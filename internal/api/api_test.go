package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mikroscope/mikroscope/internal/alerting"
	"github.com/mikroscope/mikroscope/internal/api"
	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/indexer"
	"github.com/mikroscope/mikroscope/internal/ingest"
	"github.com/mikroscope/mikroscope/internal/maintenance"
	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
)

type testEnv struct {
	server *httptest.Server
	store  *store.Store
	cfg    *config.Config
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "index.db")
	cfg.LogsPath = filepath.Join(dir, "logs")
	require.NoError(t, os.MkdirAll(cfg.LogsPath, 0o755))
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.Open(cfg.DBPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ix := indexer.New(st, cfg.LogsPath)
	queries := query.New(st)

	pipe := ingest.New(cfg.LogsPath, cfg.IngestMaxBodyBytes, ix.RunIncrementalShared)
	if cfg.IngestAsyncQueue {
		pipe.EnableQueue(cfg.IngestQueueFlushMs)
	}
	t.Cleanup(pipe.Shutdown)

	alerts, err := alerting.New(queries, cfg)
	require.NoError(t, err)

	maint := maintenance.New(st, cfg)

	handler := api.NewRouter(cfg, st, ix, queries, pipe, alerts, maint, "test")
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: st, cfg: cfg}
}

func (env *testEnv) do(t *testing.T, method, path string, body []byte, header map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	dec := json.NewDecoder(resp.Body)
	dec.Decode(&decoded) // non-JSON bodies leave decoded nil
	return resp, decoded
}

func TestHealthShape(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AlertWebhookURL = "https://hooks.example/x"
	})

	resp, body := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Equal(t, true, body["ok"])
	require.Equal(t, "mikroscope", body["service"])
	for _, key := range []string{"uptimeSec", "ingest", "auth", "ingestPolicy", "ingestEndpoint", "alerting", "alertPolicy", "maintenance", "retentionDays", "backup", "storage"} {
		require.Contains(t, body, key)
	}

	policy := body["alertPolicy"].(map[string]interface{})
	require.Equal(t, "[configured]", policy["webhookUrl"])

	storage := body["storage"].(map[string]interface{})
	require.Greater(t, storage["dbApproximateSizeBytes"].(float64), 0.0)
}

func TestAPIAuthGating(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.APIToken = "sekrit"
	})

	resp, _ := env.do(t, http.MethodGet, "/api/logs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/logs", nil, map[string]string{"Authorization": "Bearer wrong"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/logs", nil, map[string]string{"Authorization": "Bearer sekrit"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open regardless.
	resp, _ = env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIBasicAuth(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AuthUsername = "ops"
		cfg.AuthPassword = "hunter2"
	})

	resp, _ := env.do(t, http.MethodGet, "/api/logs", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/api/logs", nil)
	require.NoError(t, err)
	req.SetBasicAuth("ops", "hunter2")
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	authed.Body.Close()
	require.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestOpenAPIAndDocs(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/openapi.json", "/openapi.yaml", "/docs"} {
		resp, err := http.Get(env.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.CORSAllowOrigin = "https://ui.example"
	})

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/logs", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://ui.example")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://ui.example", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", resp.Header.Get("Vary"))

	// Unknown origins get no allow header.
	req, _ = http.NewRequest(http.MethodOptions, env.server.URL+"/api/logs", nil)
	req.Header.Set("Origin", "https://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIngestDisabledReturns404(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(`[]`), nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestProducerResolution(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tokenA=frontend-web"
	})

	// Unknown token
	resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(`[]`),
		map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token with a spoofed producerId
	payload := []byte(`[{"producerId":"spoofed","level":"INFO","event":"x"}]`)
	resp, body := env.do(t, http.MethodPost, "/api/ingest", payload,
		map[string]string{"Authorization": "Bearer tokenA"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "frontend-web", body["producerId"])
	require.Equal(t, 1.0, body["accepted"])
	require.Equal(t, 0.0, body["rejected"])

	// The spoofed value must not be queryable; the real one must be.
	resp, body = env.do(t, http.MethodGet, "/api/logs?field=producerId&value=spoofed&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["entries"], 0)

	resp, body = env.do(t, http.MethodGet, "/api/logs?field=producerId&value=frontend-web&limit=10", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["entries"], 1)
}

func TestIngestBodyTooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
		cfg.IngestMaxBodyBytes = 64
	})

	big := `[{"event":"` + strings.Repeat("x", 200) + `"}]`
	resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(big),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestIngestMalformedPayload(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
	})

	for _, payload := range []string{`{broken`, `"scalar"`, `{"nologs":1}`} {
		resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(payload),
			map[string]string{"Authorization": "Bearer tok"})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
	}
}

func TestIngestQueuedReturns202(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
		cfg.IngestAsyncQueue = true
		cfg.IngestQueueFlushMs = 20
	})

	resp, body := env.do(t, http.MethodPost, "/api/ingest", []byte(`[{"event":"q"}]`),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, true, body["queued"])
}

func TestLogsPagination(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
	})

	payload := `[{"timestamp":"2026-08-01T10:00:00Z","event":"a"},` +
		`{"timestamp":"2026-08-01T10:00:01Z","event":"b"},` +
		`{"timestamp":"2026-08-01T10:00:02Z","event":"c"}]`
	resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(payload),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	seen := []string{}
	cursor := ""
	for i := 0; i < 3; i++ {
		path := "/api/logs?limit=1"
		if cursor != "" {
			path += "&cursor=" + cursor
		}
		resp, body := env.do(t, http.MethodGet, path, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		entries := body["entries"].([]interface{})
		require.Len(t, entries, 1)
		seen = append(seen, entries[0].(map[string]interface{})["event"].(string))

		if i < 2 {
			require.Equal(t, true, body["hasMore"])
			cursor = body["nextCursor"].(string)
			require.NotEmpty(t, cursor)
		} else {
			require.Equal(t, false, body["hasMore"])
			require.NotContains(t, body, "nextCursor")
		}
	}
	require.Equal(t, []string{"c", "b", "a"}, seen)
}

func TestLogsEntryShape(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
	})

	resp, _ := env.do(t, http.MethodPost, "/api/ingest",
		[]byte(`[{"event":"shape","level":"warn","custom":42}]`),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, body := env.do(t, http.MethodGet, "/api/logs?limit=1", nil, nil)
	entry := body["entries"].([]interface{})[0].(map[string]interface{})

	for _, key := range []string{"id", "timestamp", "level", "event", "message", "data", "sourceFile", "lineNumber"} {
		require.Contains(t, entry, key)
	}
	require.Equal(t, "WARN", entry["level"])

	data := entry["data"].(map[string]interface{})
	require.Equal(t, 42.0, data["custom"])
	require.Equal(t, "svc", data["producerId"])
}

func TestLogsInvalidParams(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodGet, "/api/logs?audit=maybe", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/logs?limit=abc", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregateEndpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
	})

	resp, _ := env.do(t, http.MethodPost, "/api/ingest",
		[]byte(`[{"event":"a","level":"error"},{"event":"b","level":"error"},{"event":"c"}]`),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/api/logs/aggregate?groupBy=level", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "level", body["groupBy"])

	buckets := body["buckets"].([]interface{})
	top := buckets[0].(map[string]interface{})
	require.Equal(t, "ERROR", top["key"])
	require.Equal(t, 2.0, top["count"])

	resp, _ = env.do(t, http.MethodGet, "/api/logs/aggregate?groupBy=bogus", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/logs/aggregate?groupBy=field", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAggregateInternalFailureIsNot400(t *testing.T) {
	env := newTestEnv(t, nil)

	// Valid parameters against a closed store must surface as a server
	// error, not a client one.
	require.NoError(t, env.store.Close())

	resp, body := env.do(t, http.MethodGet, "/api/logs/aggregate?groupBy=level", nil, nil)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Equal(t, "aggregation failed", body["error"])
}

func TestReindexEndpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.IngestProducers = "tok=svc"
	})

	resp, _ := env.do(t, http.MethodPost, "/api/ingest", []byte(`[{"event":"a"},{"event":"b"}]`),
		map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/api/reindex", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reset := body["reset"].(map[string]interface{})
	require.Equal(t, 2.0, reset["entriesDeleted"])

	report := body["report"].(map[string]interface{})
	require.Equal(t, 2.0, report["recordsInserted"])

	_, logs := env.do(t, http.MethodGet, "/api/logs?limit=10", nil, nil)
	require.Len(t, logs["entries"], 2)
}

func TestAlertConfigEndpoint(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AlertWebhookURL = "https://hooks.example/x"
	})

	resp, body := env.do(t, http.MethodGet, "/api/alerts/config", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "configPath")
	policy := body["policy"].(map[string]interface{})
	require.Equal(t, "https://hooks.example/x", policy["webhookUrl"])

	resp, body = env.do(t, http.MethodPut, "/api/alerts/config",
		[]byte(`{"errorThreshold": 5}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	policy = body["policy"].(map[string]interface{})
	require.Equal(t, 5.0, policy["errorThreshold"])

	resp, _ = env.do(t, http.MethodPut, "/api/alerts/config",
		[]byte(`{"nonsense": true}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPut, "/api/alerts/config",
		[]byte(`{"cooldownMs": 1}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTestWebhookEndpoint(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var p map[string]interface{}
		json.NewDecoder(req.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.AlertWebhookURL = hook.URL
	})

	// Empty array is reinterpreted as an empty object.
	resp, body := env.do(t, http.MethodPost, "/api/alerts/test-webhook", []byte(`[]`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["ok"])
	require.Equal(t, hook.URL, body["targetUrl"])

	payload := <-received
	require.Equal(t, "manual_test", payload["rule"])

	// Unknown fields are rejected.
	resp, _ = env.do(t, http.MethodPost, "/api/alerts/test-webhook", []byte(`{"extra":1}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Without any URL at all the call fails.
	bare := newTestEnv(t, nil)
	resp, _ = bare.do(t, http.MethodPost, "/api/alerts/test-webhook", []byte(`{}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, _ := env.do(t, http.MethodDelete, "/api/logs", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/reindex", nil, nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
