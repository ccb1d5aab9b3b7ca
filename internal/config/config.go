// Package config manages mikroscope configuration from multiple sources.
//
// Precedence, lowest to highest: built-in defaults, JSON config file,
// environment variables (MIKROSCOPE_ prefix, optionally via .env), direct
// CLI flags. Highest wins per field.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	// DefaultMinFreeBytes is the preflight free-space floor (256 MiB).
	DefaultMinFreeBytes = 256 * 1024 * 1024

	// DefaultMaxBodyBytes bounds a single ingest request body.
	DefaultMaxBodyBytes = 1 << 20

	// AlertConfigFileName is the persisted alert policy file placed next to
	// the database unless alertConfigPath overrides it.
	AlertConfigFileName = "mikroscope.alert-config.json"
)

// Config holds all application configuration.
type Config struct {
	// Storage paths
	DBPath   string `json:"dbPath"`
	LogsPath string `json:"logsPath"`

	// Server settings
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Protocol    string `json:"protocol"` // "http" or "https"
	TLSCertPath string `json:"tlsCertPath"`
	TLSKeyPath  string `json:"tlsKeyPath"`

	// Security settings
	APIToken        string `json:"apiToken"`
	AuthUsername    string `json:"authUsername"`
	AuthPassword    string `json:"authPassword"` // plain or bcrypt hash
	CORSAllowOrigin string `json:"corsAllowOrigin"`

	// Ingest settings
	IngestProducers    string `json:"ingestProducers"` // comma list of token=producerId
	IngestMaxBodyBytes int64  `json:"ingestMaxBodyBytes"`
	IngestIntervalMs   int    `json:"ingestIntervalMs"`
	DisableAutoIngest  bool   `json:"disableAutoIngest"`
	IngestAsyncQueue   bool   `json:"ingestAsyncQueue"`
	IngestQueueFlushMs int    `json:"ingestQueueFlushMs"`

	// Retention settings (days, 0 disables the class)
	DBRetentionDays       int    `json:"dbRetentionDays"`
	DBAuditRetentionDays  int    `json:"dbAuditRetentionDays"`
	LogRetentionDays      int    `json:"logRetentionDays"`
	LogAuditRetentionDays int    `json:"logAuditRetentionDays"`
	MaintenanceIntervalMs int    `json:"maintenanceIntervalMs"`
	AuditBackupDirectory  string `json:"auditBackupDirectory"`

	// Alerting seeds (overlaid by the persisted policy file)
	AlertConfigPath             string  `json:"alertConfigPath"`
	AlertWebhookURL             string  `json:"alertWebhookUrl"`
	AlertIntervalMs             int     `json:"alertIntervalMs"`
	AlertWindowMinutes          int     `json:"alertWindowMinutes"`
	AlertErrorThreshold         int     `json:"alertErrorThreshold"`
	AlertNoLogsThresholdMinutes int     `json:"alertNoLogsThresholdMinutes"`
	AlertCooldownMs             int     `json:"alertCooldownMs"`
	AlertWebhookTimeoutMs       int     `json:"alertWebhookTimeoutMs"`
	AlertWebhookRetryAttempts   int     `json:"alertWebhookRetryAttempts"`
	AlertWebhookBackoffMs       float64 `json:"alertWebhookBackoffMs"`

	// Preflight
	MinFreeBytes uint64 `json:"minFreeBytes"`

	// Telemetry (0 disables the metrics listener)
	MetricsPort int `json:"metricsPort"`

	// Logging settings
	LogLevel  string `json:"logLevel"`
	LogFormat string `json:"logFormat"`
	LogFile   string `json:"logFile"`
}

// Default returns the built-in configuration baseline.
func Default() *Config {
	return &Config{
		DBPath:   "/var/lib/mikroscope/mikroscope.db",
		LogsPath: "/var/lib/mikroscope/logs",

		Host:     "0.0.0.0",
		Port:     8686,
		Protocol: "http",

		CORSAllowOrigin: "*",

		IngestMaxBodyBytes: DefaultMaxBodyBytes,
		IngestIntervalMs:   2000,
		IngestQueueFlushMs: 250,

		MaintenanceIntervalMs: 21_600_000,

		AlertIntervalMs:           30_000,
		AlertWindowMinutes:        5,
		AlertErrorThreshold:       20,
		AlertCooldownMs:           300_000,
		AlertWebhookTimeoutMs:     5000,
		AlertWebhookRetryAttempts: 3,
		AlertWebhookBackoffMs:     250,

		MinFreeBytes: DefaultMinFreeBytes,

		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Validate checks cross-field constraints that cannot be defaulted away.
func (c *Config) Validate() error {
	switch c.Protocol {
	case "http":
	case "https":
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return fmt.Errorf("protocol https requires both tlsCertPath and tlsKeyPath")
		}
	default:
		return fmt.Errorf("invalid protocol %q (want http or https)", c.Protocol)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.IngestMaxBodyBytes <= 0 {
		c.IngestMaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.IngestIntervalMs <= 0 {
		c.IngestIntervalMs = 2000
	}
	if c.IngestQueueFlushMs <= 0 {
		c.IngestQueueFlushMs = 250
	}
	if c.MaintenanceIntervalMs < 1000 {
		c.MaintenanceIntervalMs = 1000
	}
	if c.MinFreeBytes == 0 {
		c.MinFreeBytes = DefaultMinFreeBytes
	}
	if _, err := ParseProducers(c.IngestProducers); err != nil {
		return err
	}
	return nil
}

// EffectiveAlertConfigPath resolves the alert policy path, defaulting to the
// database directory.
func (c *Config) EffectiveAlertConfigPath() string {
	if c.AlertConfigPath != "" {
		return c.AlertConfigPath
	}
	return filepath.Join(filepath.Dir(c.DBPath), AlertConfigFileName)
}

// BasicAuthConfigured reports whether username/password credentials exist.
func (c *Config) BasicAuthConfigured() bool {
	return c.AuthUsername != "" && c.AuthPassword != ""
}

// IngestEnabled reports whether the ingest endpoint has any way to resolve a
// producer id. Without one the endpoint is disabled.
func (c *Config) IngestEnabled() bool {
	producers, err := ParseProducers(c.IngestProducers)
	if err == nil && len(producers) > 0 {
		return true
	}
	return c.BasicAuthConfigured()
}

// ParseProducers parses a comma-separated "token=producerId" list.
func ParseProducers(spec string) (map[string]string, error) {
	producers := make(map[string]string)
	for _, pair := range strings.Split(spec, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, producerID, ok := strings.Cut(pair, "=")
		token = strings.TrimSpace(token)
		producerID = strings.TrimSpace(producerID)
		if !ok || token == "" || producerID == "" {
			return nil, fmt.Errorf("invalid ingestProducers entry %q (want token=producerId)", pair)
		}
		producers[token] = producerID
	}
	return producers, nil
}
