package alerting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mikroscope/mikroscope/internal/config"
)

// Policy is the persisted alerting configuration.
type Policy struct {
	Enabled                bool    `json:"enabled"`
	WebhookURL             string  `json:"webhookUrl,omitempty"`
	IntervalMs             int     `json:"intervalMs"`
	WindowMinutes          int     `json:"windowMinutes"`
	ErrorThreshold         int     `json:"errorThreshold"`
	NoLogsThresholdMinutes int     `json:"noLogsThresholdMinutes"`
	CooldownMs             int     `json:"cooldownMs"`
	WebhookTimeoutMs       int     `json:"webhookTimeoutMs"`
	WebhookRetryAttempts   int     `json:"webhookRetryAttempts"`
	WebhookBackoffMs       float64 `json:"webhookBackoffMs"`
}

// SeedPolicy derives the starting policy from configuration (CLI and
// environment). Alerting is enabled by default exactly when a webhook URL
// was configured.
func SeedPolicy(cfg *config.Config) Policy {
	p := Policy{
		Enabled:                cfg.AlertWebhookURL != "",
		WebhookURL:             cfg.AlertWebhookURL,
		IntervalMs:             cfg.AlertIntervalMs,
		WindowMinutes:          cfg.AlertWindowMinutes,
		ErrorThreshold:         cfg.AlertErrorThreshold,
		NoLogsThresholdMinutes: cfg.AlertNoLogsThresholdMinutes,
		CooldownMs:             cfg.AlertCooldownMs,
		WebhookTimeoutMs:       cfg.AlertWebhookTimeoutMs,
		WebhookRetryAttempts:   cfg.AlertWebhookRetryAttempts,
		WebhookBackoffMs:       cfg.AlertWebhookBackoffMs,
	}
	return p
}

// Validate enforces the field bounds. enabled without a webhook URL is a
// validation error.
func (p Policy) Validate() error {
	if p.Enabled && p.WebhookURL == "" {
		return fmt.Errorf("enabled requires webhookUrl")
	}
	if p.IntervalMs < 1000 {
		return fmt.Errorf("intervalMs must be at least 1000")
	}
	if p.WindowMinutes < 1 {
		return fmt.Errorf("windowMinutes must be at least 1")
	}
	if p.ErrorThreshold < 1 {
		return fmt.Errorf("errorThreshold must be at least 1")
	}
	if p.NoLogsThresholdMinutes < 0 {
		return fmt.Errorf("noLogsThresholdMinutes must not be negative")
	}
	if p.CooldownMs < 1000 {
		return fmt.Errorf("cooldownMs must be at least 1000")
	}
	if p.WebhookTimeoutMs < 250 {
		return fmt.Errorf("webhookTimeoutMs must be at least 250")
	}
	if p.WebhookRetryAttempts < 1 {
		return fmt.Errorf("webhookRetryAttempts must be at least 1")
	}
	if p.WebhookBackoffMs < 25 {
		return fmt.Errorf("webhookBackoffMs must be at least 25")
	}
	return nil
}

// policyFields names every key a policy document or patch may carry.
var policyFields = map[string]bool{
	"enabled":                true,
	"webhookUrl":             true,
	"intervalMs":             true,
	"windowMinutes":          true,
	"errorThreshold":         true,
	"noLogsThresholdMinutes": true,
	"cooldownMs":             true,
	"webhookTimeoutMs":       true,
	"webhookRetryAttempts":   true,
	"webhookBackoffMs":       true,
}

// ApplyPatch overlays the fields present in the patch document onto base.
// Unknown keys and type mismatches are validation errors. A JSON null for
// webhookUrl clears it.
func ApplyPatch(base Policy, patch map[string]json.RawMessage) (Policy, error) {
	for key := range patch {
		if !policyFields[key] {
			return base, fmt.Errorf("unknown policy field %q", key)
		}
	}

	merged := base
	assign := func(key string, dst interface{}) error {
		raw, ok := patch[key]
		if !ok {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("invalid value for %q: %w", key, err)
		}
		return nil
	}

	if raw, ok := patch["webhookUrl"]; ok {
		if string(raw) == "null" {
			merged.WebhookURL = ""
		} else if err := json.Unmarshal(raw, &merged.WebhookURL); err != nil {
			return base, fmt.Errorf("invalid value for \"webhookUrl\": %w", err)
		}
	}
	if err := assign("enabled", &merged.Enabled); err != nil {
		return base, err
	}
	if err := assign("intervalMs", &merged.IntervalMs); err != nil {
		return base, err
	}
	if err := assign("windowMinutes", &merged.WindowMinutes); err != nil {
		return base, err
	}
	if err := assign("errorThreshold", &merged.ErrorThreshold); err != nil {
		return base, err
	}
	if err := assign("noLogsThresholdMinutes", &merged.NoLogsThresholdMinutes); err != nil {
		return base, err
	}
	if err := assign("cooldownMs", &merged.CooldownMs); err != nil {
		return base, err
	}
	if err := assign("webhookTimeoutMs", &merged.WebhookTimeoutMs); err != nil {
		return base, err
	}
	if err := assign("webhookRetryAttempts", &merged.WebhookRetryAttempts); err != nil {
		return base, err
	}
	if err := assign("webhookBackoffMs", &merged.WebhookBackoffMs); err != nil {
		return base, err
	}
	return merged, nil
}

// LoadPolicyFile overlays a persisted policy document onto the seed. A
// missing file returns the seed unchanged.
func LoadPolicyFile(path string, seed Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return seed, nil
		}
		return seed, fmt.Errorf("read alert policy %s: %w", path, err)
	}

	var patch map[string]json.RawMessage
	if err := json.Unmarshal(data, &patch); err != nil {
		return seed, fmt.Errorf("parse alert policy %s: %w", path, err)
	}
	merged, err := ApplyPatch(seed, patch)
	if err != nil {
		return seed, fmt.Errorf("alert policy %s: %w", path, err)
	}
	return merged, nil
}

// SavePolicyFile writes the policy atomically with owner-only permissions,
// creating the parent directory as needed.
func SavePolicyFile(path string, p Policy) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create alert policy directory: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("serialize alert policy: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write alert policy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace alert policy: %w", err)
	}
	return nil
}
