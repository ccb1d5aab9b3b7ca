package api

import "net/http"

func (r *Router) handleOpenAPIJSON(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(openAPIJSON))
}

func (r *Router) handleOpenAPIYAML(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(openAPIYAML))
}

func (r *Router) handleDocs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(docsHTML))
}

const docsHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="utf-8">
  <title>mikroscope API</title>
  <style>
    body { font-family: system-ui, sans-serif; margin: 3rem auto; max-width: 42rem; padding: 0 1rem; }
    code { background: #f4f4f4; padding: 0.1rem 0.3rem; border-radius: 3px; }
  </style>
</head>
<body>
  <h1>mikroscope</h1>
  <p>Log sidecar: durable NDJSON ingest, a queryable index, retention
  maintenance, and webhook alerting.</p>
  <p>The machine-readable API description is available as
  <a href="/openapi.json">openapi.json</a> or
  <a href="/openapi.yaml">openapi.yaml</a>.</p>
  <p>Service health: <a href="/health"><code>GET /health</code></a></p>
</body>
</html>
`

const openAPIJSON = `{
  "openapi": "3.0.3",
  "info": {
    "title": "mikroscope",
    "description": "Log sidecar: NDJSON ingest, queryable index, retention, webhook alerting.",
    "version": "1.0.0"
  },
  "paths": {
    "/health": {
      "get": {
        "summary": "Composite health report",
        "responses": {"200": {"description": "Service state"}}
      }
    },
    "/api/ingest": {
      "post": {
        "summary": "Submit a batch of log records",
        "description": "Body is a JSON array of objects or an object with a logs array. Producer identity is resolved from basic credentials or a bearer token mapping; the submitted producerId is always overwritten.",
        "responses": {
          "200": {"description": "Batch written synchronously"},
          "202": {"description": "Batch queued"},
          "400": {"description": "Malformed payload"},
          "401": {"description": "Unknown credentials"},
          "404": {"description": "Ingest not configured"},
          "413": {"description": "Body exceeds the configured limit"}
        }
      }
    },
    "/api/logs": {
      "get": {
        "summary": "Query indexed entries",
        "parameters": [
          {"name": "from", "in": "query", "schema": {"type": "string"}},
          {"name": "to", "in": "query", "schema": {"type": "string"}},
          {"name": "level", "in": "query", "schema": {"type": "string"}},
          {"name": "audit", "in": "query", "schema": {"type": "string", "enum": ["true", "false", "1", "0"]}},
          {"name": "field", "in": "query", "schema": {"type": "string"}},
          {"name": "value", "in": "query", "schema": {"type": "string"}},
          {"name": "limit", "in": "query", "schema": {"type": "integer", "maximum": 1000}},
          {"name": "cursor", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {"200": {"description": "One page, newest first"}}
      }
    },
    "/api/logs/aggregate": {
      "get": {
        "summary": "Group and count entries",
        "parameters": [
          {"name": "groupBy", "in": "query", "required": true, "schema": {"type": "string", "enum": ["level", "event", "field", "correlation"]}},
          {"name": "groupField", "in": "query", "schema": {"type": "string"}}
        ],
        "responses": {
          "200": {"description": "Buckets ordered by count"},
          "400": {"description": "Invalid groupBy or missing groupField"}
        }
      }
    },
    "/api/reindex": {
      "post": {
        "summary": "Truncate the index and rescan the logs root",
        "responses": {"200": {"description": "Reset counts and the pass report"}}
      }
    },
    "/api/alerts/config": {
      "get": {
        "summary": "Current alert policy",
        "responses": {"200": {"description": "Policy and its storage path"}}
      },
      "put": {
        "summary": "Patch the alert policy",
        "responses": {
          "200": {"description": "Merged policy"},
          "400": {"description": "Unknown field or out-of-range value"}
        }
      }
    },
    "/api/alerts/test-webhook": {
      "post": {
        "summary": "Send a manual test notification",
        "responses": {
          "200": {"description": "Webhook delivered"},
          "400": {"description": "No URL configured or delivery failed"}
        }
      }
    }
  }
}
`

const openAPIYAML = `openapi: "3.0.3"
info:
  title: mikroscope
  description: "Log sidecar: NDJSON ingest, queryable index, retention, webhook alerting."
  version: "1.0.0"
paths:
  /health:
    get:
      summary: Composite health report
      responses:
        "200": {description: Service state}
  /api/ingest:
    post:
      summary: Submit a batch of log records
      responses:
        "200": {description: Batch written synchronously}
        "202": {description: Batch queued}
        "400": {description: Malformed payload}
        "401": {description: Unknown credentials}
        "404": {description: Ingest not configured}
        "413": {description: Body exceeds the configured limit}
  /api/logs:
    get:
      summary: Query indexed entries
      responses:
        "200": {description: "One page, newest first"}
  /api/logs/aggregate:
    get:
      summary: Group and count entries
      responses:
        "200": {description: Buckets ordered by count}
        "400": {description: Invalid groupBy or missing groupField}
  /api/reindex:
    post:
      summary: Truncate the index and rescan the logs root
      responses:
        "200": {description: Reset counts and the pass report}
  /api/alerts/config:
    get:
      summary: Current alert policy
      responses:
        "200": {description: Policy and its storage path}
    put:
      summary: Patch the alert policy
      responses:
        "200": {description: Merged policy}
        "400": {description: Unknown field or out-of-range value}
  /api/alerts/test-webhook:
    post:
      summary: Send a manual test notification
      responses:
        "200": {description: Webhook delivered}
        "400": {description: No URL configured or delivery failed}
`
