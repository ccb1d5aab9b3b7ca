// Package alerting evaluates threshold rules against the index on a timer
// and delivers webhook notifications with per-rule cooldown suppression. The
// policy is persisted as JSON next to the database and survives restarts.
package alerting

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/query"
	"github.com/mikroscope/mikroscope/internal/store"
	"github.com/mikroscope/mikroscope/internal/telemetry"
)

// Manager owns the alert policy, the evaluation scheduler, and the webhook
// delivery state.
type Manager struct {
	queries    *query.Service
	policyPath string

	mu         sync.Mutex
	seed       Policy
	policy     Policy
	serviceURL string
	stopCh     chan struct{}

	running atomic.Bool

	runs          int64
	sent          int64
	suppressed    int64
	lastTriggerAt map[string]time.Time
	lastError     string
	lastCycleAt   string
	lastCycleMs   int64
}

// State is the alerting section of the health report.
type State struct {
	Enabled             bool              `json:"enabled"`
	Runs                int64             `json:"runs"`
	Sent                int64             `json:"sent"`
	Suppressed          int64             `json:"suppressed"`
	LastError           string            `json:"lastError,omitempty"`
	LastCycleAt         string            `json:"lastCycleAt,omitempty"`
	LastCycleDurationMs int64             `json:"lastCycleDurationMs"`
	LastTriggerAtByRule map[string]string `json:"lastTriggerAtByRule,omitempty"`
}

// New seeds the policy from configuration and overlays the persisted file if
// one exists.
func New(queries *query.Service, cfg *config.Config) (*Manager, error) {
	seed := SeedPolicy(cfg)
	path := cfg.EffectiveAlertConfigPath()

	policy, err := LoadPolicyFile(path, seed)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Falling back to seed alert policy")
		policy = seed
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("alert policy: %w", err)
	}

	return &Manager{
		queries:       queries,
		policyPath:    path,
		seed:          seed,
		policy:        policy,
		lastTriggerAt: make(map[string]time.Time),
	}, nil
}

// SetServiceURL records the public URL carried in webhook payloads.
func (m *Manager) SetServiceURL(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serviceURL = url
}

// PolicyPath returns where the policy is persisted.
func (m *Manager) PolicyPath() string {
	return m.policyPath
}

// Policy returns a snapshot of the current policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// MaskedPolicy renders the policy for unauthenticated surfaces: the webhook
// URL never leaks, it is replaced by "[configured]" or omitted.
func (m *Manager) MaskedPolicy() map[string]interface{} {
	p := m.Policy()
	masked := map[string]interface{}{
		"enabled":                p.Enabled,
		"intervalMs":             p.IntervalMs,
		"windowMinutes":          p.WindowMinutes,
		"errorThreshold":         p.ErrorThreshold,
		"noLogsThresholdMinutes": p.NoLogsThresholdMinutes,
		"cooldownMs":             p.CooldownMs,
		"webhookTimeoutMs":       p.WebhookTimeoutMs,
		"webhookRetryAttempts":   p.WebhookRetryAttempts,
		"webhookBackoffMs":       p.WebhookBackoffMs,
	}
	if p.WebhookURL != "" {
		masked["webhookUrl"] = "[configured]"
	}
	return masked
}

// Start launches the scheduler and kicks one immediate cycle when enabled.
func (m *Manager) Start() {
	m.mu.Lock()
	m.scheduleLocked()
	enabled := m.policy.Enabled
	m.mu.Unlock()

	if enabled {
		go m.RunCycle()
	}
}

// Stop halts the scheduler. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopScheduleLocked()
}

func (m *Manager) scheduleLocked() {
	m.stopScheduleLocked()
	if !m.policy.Enabled {
		return
	}

	stop := make(chan struct{})
	m.stopCh = stop
	interval := time.Duration(m.policy.IntervalMs) * time.Millisecond

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.RunCycle()
			}
		}
	}()
}

func (m *Manager) stopScheduleLocked() {
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
}

// UpdatePolicy merges the patch, validates, persists, and reschedules.
func (m *Manager) UpdatePolicy(patch map[string]json.RawMessage) (Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	merged, err := ApplyPatch(m.policy, patch)
	if err != nil {
		return m.policy, err
	}
	if err := merged.Validate(); err != nil {
		return m.policy, err
	}
	if err := SavePolicyFile(m.policyPath, merged); err != nil {
		return m.policy, err
	}

	m.policy = merged
	m.scheduleLocked()
	log.Info().Bool("enabled", merged.Enabled).Msg("Alert policy updated")
	return merged, nil
}

// ReloadFromDisk re-applies the persisted policy over the seed. The policy
// file watcher calls this when the file changes externally.
func (m *Manager) ReloadFromDisk() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	policy, err := LoadPolicyFile(m.policyPath, m.seed)
	if err != nil {
		return err
	}
	if err := policy.Validate(); err != nil {
		return err
	}
	m.policy = policy
	m.scheduleLocked()
	log.Info().Str("path", m.policyPath).Msg("Alert policy reloaded from disk")
	return nil
}

// RunCycle evaluates every rule once. Overlapping triggers short-circuit.
func (m *Manager) RunCycle() {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	defer m.running.Store(false)

	start := time.Now()
	policy := m.Policy()
	if !policy.Enabled {
		return
	}

	atomic.AddInt64(&m.runs, 1)
	now := start.UTC()

	if err := m.evaluateErrorThreshold(policy, now); err != nil {
		m.recordError(err)
	}
	if policy.NoLogsThresholdMinutes > 0 {
		if err := m.evaluateNoLogs(policy, now); err != nil {
			m.recordError(err)
		}
	}

	m.mu.Lock()
	m.lastCycleAt = now.Format(time.RFC3339)
	m.lastCycleMs = time.Since(start).Milliseconds()
	m.mu.Unlock()
}

func (m *Manager) evaluateErrorThreshold(policy Policy, now time.Time) error {
	from := now.Add(-time.Duration(policy.WindowMinutes) * time.Minute).Format(store.TimeLayout)

	errorCount, err := m.queries.Count(store.Filter{From: from, Level: "ERROR"})
	if err != nil {
		return fmt.Errorf("count errors: %w", err)
	}
	if errorCount < int64(policy.ErrorThreshold) {
		return nil
	}

	totalWindow, err := m.queries.Count(store.Filter{From: from})
	if err != nil {
		return fmt.Errorf("count window: %w", err)
	}

	return m.trigger(policy, RuleErrorThreshold, SeverityCritical, now, map[string]interface{}{
		"errorCount":       errorCount,
		"threshold":        policy.ErrorThreshold,
		"totalWindowCount": totalWindow,
		"windowMinutes":    policy.WindowMinutes,
	})
}

func (m *Manager) evaluateNoLogs(policy Policy, now time.Time) error {
	from := now.Add(-time.Duration(policy.NoLogsThresholdMinutes) * time.Minute).Format(store.TimeLayout)

	totalRecent, err := m.queries.Count(store.Filter{From: from})
	if err != nil {
		return fmt.Errorf("count recent: %w", err)
	}
	if totalRecent > 0 {
		return nil
	}

	return m.trigger(policy, RuleNoLogs, SeverityWarning, now, map[string]interface{}{
		"thresholdMinutes": policy.NoLogsThresholdMinutes,
	})
}

// trigger sends the webhook unless the rule is still cooling down from its
// previous successful delivery.
func (m *Manager) trigger(policy Policy, rule, severity string, now time.Time, details map[string]interface{}) error {
	m.mu.Lock()
	last, sentBefore := m.lastTriggerAt[rule]
	serviceURL := m.serviceURL
	m.mu.Unlock()

	if sentBefore && now.Sub(last) < time.Duration(policy.CooldownMs)*time.Millisecond {
		atomic.AddInt64(&m.suppressed, 1)
		telemetry.WebhooksTotal.WithLabelValues("suppressed").Inc()
		log.Debug().Str("rule", rule).Msg("Alert suppressed by cooldown")
		return nil
	}

	payload := Payload{
		Source:      "mikroscope",
		Rule:        rule,
		Severity:    severity,
		TriggeredAt: now.Format(time.RFC3339),
		ServiceURL:  serviceURL,
		Details:     details,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("serialize alert payload: %w", err)
	}

	if err := newWebhookClient(policy).send(policy.WebhookURL, body); err != nil {
		telemetry.WebhooksTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("deliver %s alert: %w", rule, err)
	}

	m.mu.Lock()
	m.lastTriggerAt[rule] = now
	m.lastError = ""
	m.mu.Unlock()
	atomic.AddInt64(&m.sent, 1)
	telemetry.WebhooksTotal.WithLabelValues("sent").Inc()

	log.Info().Str("rule", rule).Str("severity", severity).Msg("Alert webhook delivered")
	return nil
}

// TestWebhook sends a manual test payload through the full retry machinery.
// A non-nil override replaces the configured target for this send only.
func (m *Manager) TestWebhook(overrideURL *string) (targetURL, sentAt string, err error) {
	policy := m.Policy()

	targetURL = policy.WebhookURL
	if overrideURL != nil {
		targetURL = *overrideURL
	}
	if targetURL == "" {
		return "", "", fmt.Errorf("no webhook URL configured")
	}

	now := time.Now().UTC()
	payload := Payload{
		Source:      "mikroscope",
		Rule:        RuleManualTest,
		Severity:    SeverityWarning,
		TriggeredAt: now.Format(time.RFC3339),
		ServiceURL:  m.ServiceURL(),
		Details: map[string]interface{}{
			"message": "Manual webhook test from mikroscope",
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return targetURL, "", fmt.Errorf("serialize test payload: %w", err)
	}

	if err := newWebhookClient(policy).send(targetURL, body); err != nil {
		return targetURL, "", err
	}
	return targetURL, now.Format(time.RFC3339), nil
}

// ServiceURL returns the recorded public URL.
func (m *Manager) ServiceURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serviceURL
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.lastError = err.Error()
	m.mu.Unlock()
	log.Error().Err(err).Msg("Alert cycle error")
}

// StateSnapshot returns counters for the health report.
func (m *Manager) StateSnapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	triggers := make(map[string]string, len(m.lastTriggerAt))
	for rule, at := range m.lastTriggerAt {
		triggers[rule] = at.Format(time.RFC3339)
	}
	return State{
		Enabled:             m.policy.Enabled,
		Runs:                atomic.LoadInt64(&m.runs),
		Sent:                atomic.LoadInt64(&m.sent),
		Suppressed:          atomic.LoadInt64(&m.suppressed),
		LastError:           m.lastError,
		LastCycleAt:         m.lastCycleAt,
		LastCycleDurationMs: m.lastCycleMs,
		LastTriggerAtByRule: triggers,
	}
}
