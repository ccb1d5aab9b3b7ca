package main

import (
	"github.com/spf13/cobra"

	"github.com/mikroscope/mikroscope/internal/config"
)

// registerFlags declares every CLI-tunable option on the server command. The
// defaults shown in --help mirror config.Default; actual resolution happens
// in config.Load where only changed flags participate.
func registerFlags(cmd *cobra.Command) {
	defaults := config.Default()
	f := cmd.Flags()

	f.String("dbPath", defaults.DBPath, "path of the SQLite index database")
	f.String("logsPath", defaults.LogsPath, "root directory of the NDJSON log tree")
	f.String("host", defaults.Host, "listen address")
	f.Int("port", defaults.Port, "listen port")
	f.String("protocol", defaults.Protocol, "http or https")
	f.String("tlsCertPath", "", "TLS certificate path (https)")
	f.String("tlsKeyPath", "", "TLS key path (https)")
	f.String("apiToken", "", "bearer token for the query/manage API")
	f.String("authUsername", "", "basic-auth username")
	f.String("authPassword", "", "basic-auth password (plain or bcrypt hash)")
	f.String("corsAllowOrigin", defaults.CORSAllowOrigin, "comma-separated allowed origins, * for any")

	f.String("ingestProducers", "", "comma-separated token=producerId mappings")
	f.Int64("ingestMaxBodyBytes", defaults.IngestMaxBodyBytes, "maximum ingest request body size")
	f.Int("ingestIntervalMs", defaults.IngestIntervalMs, "auto-ingest indexing interval")
	f.Bool("disableAutoIngest", false, "disable the periodic indexing ticker")
	f.Bool("ingestAsyncQueue", false, "queue ingest writes instead of writing synchronously")
	f.Int("ingestQueueFlushMs", defaults.IngestQueueFlushMs, "ingest queue coalescing window")

	f.Int("dbRetentionDays", 0, "days to keep normal index entries, 0 keeps forever")
	f.Int("dbAuditRetentionDays", 0, "days to keep audit index entries, 0 keeps forever")
	f.Int("logRetentionDays", 0, "days to keep normal log files, 0 keeps forever")
	f.Int("logAuditRetentionDays", 0, "days to keep audit log files, 0 keeps forever")
	f.Int("maintenanceIntervalMs", defaults.MaintenanceIntervalMs, "retention pass interval")
	f.String("auditBackupDirectory", "", "copy expired audit files here before deleting")

	f.String("alertConfigPath", "", "alert policy file path, defaults next to the database")
	f.String("alertWebhookUrl", "", "webhook target; setting it enables alerting")
	f.Int("alertIntervalMs", defaults.AlertIntervalMs, "alert evaluation interval")
	f.Int("alertWindowMinutes", defaults.AlertWindowMinutes, "error-threshold lookback window")
	f.Int("alertErrorThreshold", defaults.AlertErrorThreshold, "ERROR count that fires an alert")
	f.Int("alertNoLogsThresholdMinutes", 0, "minutes of silence that fire an alert, 0 disables")
	f.Int("alertCooldownMs", defaults.AlertCooldownMs, "per-rule cooldown after a delivered alert")
	f.Int("alertWebhookTimeoutMs", defaults.AlertWebhookTimeoutMs, "per-attempt webhook timeout")
	f.Int("alertWebhookRetryAttempts", defaults.AlertWebhookRetryAttempts, "webhook delivery attempts")
	f.Float64("alertWebhookBackoffMs", defaults.AlertWebhookBackoffMs, "base backoff between webhook attempts")

	f.Uint64("minFreeBytes", defaults.MinFreeBytes, "minimum free disk space required at startup")
	f.Int("metricsPort", 0, "Prometheus metrics port, 0 disables")

	f.String("logLevel", defaults.LogLevel, "debug, info, warn, or error")
	f.String("logFormat", defaults.LogFormat, "json, console, or auto")
	f.String("logFile", "", "also write logs to this file")
}

// collectOverrides turns changed flags into pointer-valued overrides so that
// unset flags never shadow file or environment configuration.
func collectOverrides(cmd *cobra.Command) config.Overrides {
	f := cmd.Flags()

	stringP := func(name string) *string {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetString(name)
		return &v
	}
	intP := func(name string) *int {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetInt(name)
		return &v
	}
	int64P := func(name string) *int64 {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetInt64(name)
		return &v
	}
	uint64P := func(name string) *uint64 {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetUint64(name)
		return &v
	}
	float64P := func(name string) *float64 {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetFloat64(name)
		return &v
	}
	boolP := func(name string) *bool {
		if !f.Changed(name) {
			return nil
		}
		v, _ := f.GetBool(name)
		return &v
	}

	return config.Overrides{
		DBPath:          stringP("dbPath"),
		LogsPath:        stringP("logsPath"),
		Host:            stringP("host"),
		Port:            intP("port"),
		Protocol:        stringP("protocol"),
		TLSCertPath:     stringP("tlsCertPath"),
		TLSKeyPath:      stringP("tlsKeyPath"),
		APIToken:        stringP("apiToken"),
		AuthUsername:    stringP("authUsername"),
		AuthPassword:    stringP("authPassword"),
		CORSAllowOrigin: stringP("corsAllowOrigin"),

		IngestProducers:    stringP("ingestProducers"),
		IngestMaxBodyBytes: int64P("ingestMaxBodyBytes"),
		IngestIntervalMs:   intP("ingestIntervalMs"),
		DisableAutoIngest:  boolP("disableAutoIngest"),
		IngestAsyncQueue:   boolP("ingestAsyncQueue"),
		IngestQueueFlushMs: intP("ingestQueueFlushMs"),

		DBRetentionDays:       intP("dbRetentionDays"),
		DBAuditRetentionDays:  intP("dbAuditRetentionDays"),
		LogRetentionDays:      intP("logRetentionDays"),
		LogAuditRetentionDays: intP("logAuditRetentionDays"),
		MaintenanceIntervalMs: intP("maintenanceIntervalMs"),
		AuditBackupDirectory:  stringP("auditBackupDirectory"),

		AlertConfigPath:             stringP("alertConfigPath"),
		AlertWebhookURL:             stringP("alertWebhookUrl"),
		AlertIntervalMs:             intP("alertIntervalMs"),
		AlertWindowMinutes:          intP("alertWindowMinutes"),
		AlertErrorThreshold:         intP("alertErrorThreshold"),
		AlertNoLogsThresholdMinutes: intP("alertNoLogsThresholdMinutes"),
		AlertCooldownMs:             intP("alertCooldownMs"),
		AlertWebhookTimeoutMs:       intP("alertWebhookTimeoutMs"),
		AlertWebhookRetryAttempts:   intP("alertWebhookRetryAttempts"),
		AlertWebhookBackoffMs:       float64P("alertWebhookBackoffMs"),

		MinFreeBytes: uint64P("minFreeBytes"),
		MetricsPort:  intP("metricsPort"),

		LogLevel:  stringP("logLevel"),
		LogFormat: stringP("logFormat"),
		LogFile:   stringP("logFile"),
	}
}
