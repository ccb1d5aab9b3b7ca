package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const envPrefix = "MIKROSCOPE_"

// Overrides carries values taken directly from CLI flags. Nil fields were not
// set on the command line and do not participate.
type Overrides struct {
	DBPath          *string
	LogsPath        *string
	Host            *string
	Port            *int
	Protocol        *string
	TLSCertPath     *string
	TLSKeyPath      *string
	APIToken        *string
	AuthUsername    *string
	AuthPassword    *string
	CORSAllowOrigin *string

	IngestProducers    *string
	IngestMaxBodyBytes *int64
	IngestIntervalMs   *int
	DisableAutoIngest  *bool
	IngestAsyncQueue   *bool
	IngestQueueFlushMs *int

	DBRetentionDays       *int
	DBAuditRetentionDays  *int
	LogRetentionDays      *int
	LogAuditRetentionDays *int
	MaintenanceIntervalMs *int
	AuditBackupDirectory  *string

	AlertConfigPath             *string
	AlertWebhookURL             *string
	AlertIntervalMs             *int
	AlertWindowMinutes          *int
	AlertErrorThreshold         *int
	AlertNoLogsThresholdMinutes *int
	AlertCooldownMs             *int
	AlertWebhookTimeoutMs       *int
	AlertWebhookRetryAttempts   *int
	AlertWebhookBackoffMs       *float64

	MinFreeBytes *uint64
	MetricsPort  *int

	LogLevel  *string
	LogFormat *string
	LogFile   *string
}

// Load resolves the effective configuration: defaults, then the JSON config
// file (if any), then environment variables, then CLI overrides.
func Load(configFile string, overrides Overrides) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = os.Getenv(envPrefix + "CONFIG_FILE")
	}
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", configFile, err)
		}
		log.Info().Str("path", configFile).Msg("Loaded configuration file")
	}

	// .env is optional and never wins over real environment variables.
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	applyEnv(cfg)
	applyOverrides(cfg, overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envString(&cfg.DBPath, "DB_PATH")
	envString(&cfg.LogsPath, "LOGS_PATH")
	envString(&cfg.Host, "HOST")
	envInt(&cfg.Port, "PORT")
	envString(&cfg.Protocol, "PROTOCOL")
	envString(&cfg.TLSCertPath, "TLS_CERT_PATH")
	envString(&cfg.TLSKeyPath, "TLS_KEY_PATH")
	envString(&cfg.APIToken, "API_TOKEN")
	envString(&cfg.AuthUsername, "AUTH_USERNAME")
	envString(&cfg.AuthPassword, "AUTH_PASSWORD")
	envString(&cfg.CORSAllowOrigin, "CORS_ALLOW_ORIGIN")

	envString(&cfg.IngestProducers, "INGEST_PRODUCERS")
	envInt64(&cfg.IngestMaxBodyBytes, "INGEST_MAX_BODY_BYTES")
	envInt(&cfg.IngestIntervalMs, "INGEST_INTERVAL_MS")
	envBool(&cfg.DisableAutoIngest, "DISABLE_AUTO_INGEST")
	envBool(&cfg.IngestAsyncQueue, "INGEST_ASYNC_QUEUE")
	envInt(&cfg.IngestQueueFlushMs, "INGEST_QUEUE_FLUSH_MS")

	envInt(&cfg.DBRetentionDays, "DB_RETENTION_DAYS")
	envInt(&cfg.DBAuditRetentionDays, "DB_AUDIT_RETENTION_DAYS")
	envInt(&cfg.LogRetentionDays, "LOG_RETENTION_DAYS")
	envInt(&cfg.LogAuditRetentionDays, "LOG_AUDIT_RETENTION_DAYS")
	envInt(&cfg.MaintenanceIntervalMs, "MAINTENANCE_INTERVAL_MS")
	envString(&cfg.AuditBackupDirectory, "AUDIT_BACKUP_DIRECTORY")

	envString(&cfg.AlertConfigPath, "ALERT_CONFIG_PATH")
	envString(&cfg.AlertWebhookURL, "ALERT_WEBHOOK_URL")
	envInt(&cfg.AlertIntervalMs, "ALERT_INTERVAL_MS")
	envInt(&cfg.AlertWindowMinutes, "ALERT_WINDOW_MINUTES")
	envInt(&cfg.AlertErrorThreshold, "ALERT_ERROR_THRESHOLD")
	envInt(&cfg.AlertNoLogsThresholdMinutes, "ALERT_NO_LOGS_THRESHOLD_MINUTES")
	envInt(&cfg.AlertCooldownMs, "ALERT_COOLDOWN_MS")
	envInt(&cfg.AlertWebhookTimeoutMs, "ALERT_WEBHOOK_TIMEOUT_MS")
	envInt(&cfg.AlertWebhookRetryAttempts, "ALERT_WEBHOOK_RETRY_ATTEMPTS")
	envFloat(&cfg.AlertWebhookBackoffMs, "ALERT_WEBHOOK_BACKOFF_MS")

	envUint64(&cfg.MinFreeBytes, "MIN_FREE_BYTES")
	envInt(&cfg.MetricsPort, "METRICS_PORT")

	envString(&cfg.LogLevel, "LOG_LEVEL")
	envString(&cfg.LogFormat, "LOG_FORMAT")
	envString(&cfg.LogFile, "LOG_FILE")
}

func applyOverrides(cfg *Config, o Overrides) {
	setString(&cfg.DBPath, o.DBPath)
	setString(&cfg.LogsPath, o.LogsPath)
	setString(&cfg.Host, o.Host)
	setInt(&cfg.Port, o.Port)
	setString(&cfg.Protocol, o.Protocol)
	setString(&cfg.TLSCertPath, o.TLSCertPath)
	setString(&cfg.TLSKeyPath, o.TLSKeyPath)
	setString(&cfg.APIToken, o.APIToken)
	setString(&cfg.AuthUsername, o.AuthUsername)
	setString(&cfg.AuthPassword, o.AuthPassword)
	setString(&cfg.CORSAllowOrigin, o.CORSAllowOrigin)

	setString(&cfg.IngestProducers, o.IngestProducers)
	setInt64(&cfg.IngestMaxBodyBytes, o.IngestMaxBodyBytes)
	setInt(&cfg.IngestIntervalMs, o.IngestIntervalMs)
	setBool(&cfg.DisableAutoIngest, o.DisableAutoIngest)
	setBool(&cfg.IngestAsyncQueue, o.IngestAsyncQueue)
	setInt(&cfg.IngestQueueFlushMs, o.IngestQueueFlushMs)

	setInt(&cfg.DBRetentionDays, o.DBRetentionDays)
	setInt(&cfg.DBAuditRetentionDays, o.DBAuditRetentionDays)
	setInt(&cfg.LogRetentionDays, o.LogRetentionDays)
	setInt(&cfg.LogAuditRetentionDays, o.LogAuditRetentionDays)
	setInt(&cfg.MaintenanceIntervalMs, o.MaintenanceIntervalMs)
	setString(&cfg.AuditBackupDirectory, o.AuditBackupDirectory)

	setString(&cfg.AlertConfigPath, o.AlertConfigPath)
	setString(&cfg.AlertWebhookURL, o.AlertWebhookURL)
	setInt(&cfg.AlertIntervalMs, o.AlertIntervalMs)
	setInt(&cfg.AlertWindowMinutes, o.AlertWindowMinutes)
	setInt(&cfg.AlertErrorThreshold, o.AlertErrorThreshold)
	setInt(&cfg.AlertNoLogsThresholdMinutes, o.AlertNoLogsThresholdMinutes)
	setInt(&cfg.AlertCooldownMs, o.AlertCooldownMs)
	setInt(&cfg.AlertWebhookTimeoutMs, o.AlertWebhookTimeoutMs)
	setInt(&cfg.AlertWebhookRetryAttempts, o.AlertWebhookRetryAttempts)
	setFloat(&cfg.AlertWebhookBackoffMs, o.AlertWebhookBackoffMs)

	setUint64(&cfg.MinFreeBytes, o.MinFreeBytes)
	setInt(&cfg.MetricsPort, o.MetricsPort)

	setString(&cfg.LogLevel, o.LogLevel)
	setString(&cfg.LogFormat, o.LogFormat)
	setString(&cfg.LogFile, o.LogFile)
}

func envString(dst *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*dst = val
	}
}

func envInt(dst *int, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer environment value")
		}
	}
}

func envInt64(dst *int64, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer environment value")
		}
	}
}

func envUint64(dst *uint64, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			*dst = n
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-integer environment value")
		}
	}
}

func envFloat(dst *float64, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			*dst = f
		} else {
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-numeric environment value")
		}
	}
}

func envBool(dst *bool, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			log.Warn().Str("key", envPrefix+key).Str("value", val).Msg("Ignoring non-boolean environment value")
		}
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setInt64(dst *int64, v *int64) {
	if v != nil {
		*dst = *v
	}
}

func setUint64(dst *uint64, v *uint64) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
