package config_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikroscope/mikroscope/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()
	if cfg.Port != 8686 {
		t.Fatalf("default port = %d", cfg.Port)
	}
	if cfg.CORSAllowOrigin != "*" {
		t.Fatalf("default CORS = %q", cfg.CORSAllowOrigin)
	}
	if cfg.IngestMaxBodyBytes != 1<<20 {
		t.Fatalf("default body limit = %d", cfg.IngestMaxBodyBytes)
	}
	if cfg.MaintenanceIntervalMs != 21_600_000 {
		t.Fatalf("default maintenance interval = %d", cfg.MaintenanceIntervalMs)
	}
	if cfg.DBRetentionDays != 0 || cfg.LogRetentionDays != 0 {
		t.Fatalf("retention enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateProtocol(t *testing.T) {
	cfg := config.Default()
	cfg.Protocol = "https"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("https without cert/key accepted")
	}
	cfg.TLSCertPath = "/tmp/cert.pem"
	cfg.TLSKeyPath = "/tmp/key.pem"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("https with cert/key rejected: %v", err)
	}

	cfg.Protocol = "ftp"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("unknown protocol accepted")
	}
}

func TestParseProducers(t *testing.T) {
	producers, err := config.ParseProducers("tokA=frontend, tokB=backend-api ,")
	if err != nil {
		t.Fatalf("ParseProducers: %v", err)
	}
	if len(producers) != 2 || producers["tokA"] != "frontend" || producers["tokB"] != "backend-api" {
		t.Fatalf("producers = %+v", producers)
	}

	if _, err := config.ParseProducers("justatoken"); err == nil {
		t.Fatalf("mapping without = accepted")
	}
	if _, err := config.ParseProducers("=producer"); err == nil {
		t.Fatalf("empty token accepted")
	}

	empty, err := config.ParseProducers("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty spec: %+v, %v", empty, err)
	}
}

func TestIngestEnabled(t *testing.T) {
	cfg := config.Default()
	if cfg.IngestEnabled() {
		t.Fatalf("ingest enabled without any credentials")
	}

	cfg.IngestProducers = "tok=svc"
	if !cfg.IngestEnabled() {
		t.Fatalf("ingest disabled despite producer mapping")
	}

	cfg.IngestProducers = ""
	cfg.AuthUsername = "ops"
	cfg.AuthPassword = "secret"
	if !cfg.IngestEnabled() {
		t.Fatalf("ingest disabled despite basic credentials")
	}
}

func TestEffectiveAlertConfigPath(t *testing.T) {
	cfg := config.Default()
	cfg.DBPath = "/data/mikroscope/index.db"
	if got := cfg.EffectiveAlertConfigPath(); got != "/data/mikroscope/mikroscope.alert-config.json" {
		t.Fatalf("path = %q", got)
	}

	cfg.AlertConfigPath = "/etc/mikroscope/alerts.json"
	if got := cfg.EffectiveAlertConfigPath(); got != "/etc/mikroscope/alerts.json" {
		t.Fatalf("override ignored: %q", got)
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")

	fileCfg := map[string]interface{}{"port": 9000, "logLevel": "debug", "host": "10.0.0.1"}
	data, _ := json.Marshal(fileCfg)
	if err := os.WriteFile(file, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("MIKROSCOPE_PORT", "9100")

	port := 9200
	cfg, err := config.Load(file, config.Overrides{Port: &port})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// flag > env > file > default, per field
	if cfg.Port != 9200 {
		t.Fatalf("port = %d, want flag value 9200", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("logLevel = %q, want file value", cfg.LogLevel)
	}
	if cfg.Host != "10.0.0.1" {
		t.Fatalf("host = %q, want file value", cfg.Host)
	}
	if cfg.Protocol != "http" {
		t.Fatalf("protocol = %q, want default", cfg.Protocol)
	}
}

func TestLoadEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.json")
	if err := os.WriteFile(file, []byte(`{"port": 9000}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("MIKROSCOPE_PORT", "9100")

	cfg, err := config.Load(file, config.Overrides{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want env value 9100", cfg.Port)
	}
}

func TestLoadRejectsInvalidProducers(t *testing.T) {
	bad := "malformed"
	if _, err := config.Load("", config.Overrides{IngestProducers: &bad}); err == nil {
		t.Fatalf("invalid producer list accepted")
	}
}
