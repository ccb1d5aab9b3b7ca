package alerting_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mikroscope/mikroscope/internal/alerting"
	"github.com/mikroscope/mikroscope/internal/config"
)

func seedConfig(webhookURL string) *config.Config {
	cfg := config.Default()
	cfg.AlertWebhookURL = webhookURL
	return cfg
}

func TestSeedPolicyEnabledIffWebhookConfigured(t *testing.T) {
	if p := alerting.SeedPolicy(seedConfig("")); p.Enabled {
		t.Fatalf("policy enabled without a webhook URL")
	}
	p := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))
	if !p.Enabled {
		t.Fatalf("policy disabled despite webhook URL")
	}
	if p.IntervalMs != 30_000 || p.ErrorThreshold != 20 || p.CooldownMs != 300_000 {
		t.Fatalf("seed defaults wrong: %+v", p)
	}
}

func TestValidateBounds(t *testing.T) {
	base := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))

	cases := []func(p *alerting.Policy){
		func(p *alerting.Policy) { p.WebhookURL = "" },
		func(p *alerting.Policy) { p.IntervalMs = 999 },
		func(p *alerting.Policy) { p.WindowMinutes = 0 },
		func(p *alerting.Policy) { p.ErrorThreshold = 0 },
		func(p *alerting.Policy) { p.NoLogsThresholdMinutes = -1 },
		func(p *alerting.Policy) { p.CooldownMs = 500 },
		func(p *alerting.Policy) { p.WebhookTimeoutMs = 100 },
		func(p *alerting.Policy) { p.WebhookRetryAttempts = 0 },
		func(p *alerting.Policy) { p.WebhookBackoffMs = 10 },
	}
	for i, mutate := range cases {
		p := base
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("case %d: out-of-range policy validated", i)
		}
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("seed policy invalid: %v", err)
	}

	// A disabled policy may omit the URL.
	disabled := base
	disabled.Enabled = false
	disabled.WebhookURL = ""
	if err := disabled.Validate(); err != nil {
		t.Fatalf("disabled policy without URL rejected: %v", err)
	}
}

func TestApplyPatchRejectsUnknownKeys(t *testing.T) {
	base := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))

	patch := map[string]json.RawMessage{"bogus": json.RawMessage(`1`)}
	if _, err := alerting.ApplyPatch(base, patch); err == nil {
		t.Fatalf("unknown key accepted")
	}
}

func TestApplyPatchMergesAndClearsURL(t *testing.T) {
	base := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))

	merged, err := alerting.ApplyPatch(base, map[string]json.RawMessage{
		"errorThreshold": json.RawMessage(`5`),
		"webhookUrl":     json.RawMessage(`null`),
	})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if merged.ErrorThreshold != 5 {
		t.Fatalf("errorThreshold = %d, want 5", merged.ErrorThreshold)
	}
	if merged.WebhookURL != "" {
		t.Fatalf("null webhookUrl did not clear the value")
	}
	if merged.WindowMinutes != base.WindowMinutes {
		t.Fatalf("unpatched field changed")
	}
}

func TestPolicyFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "policy.json")

	seed := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))
	seed.ErrorThreshold = 7

	if err := alerting.SavePolicyFile(path, seed); err != nil {
		t.Fatalf("SavePolicyFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("policy file mode = %v, want 0600", info.Mode().Perm())
	}

	loaded, err := alerting.LoadPolicyFile(path, alerting.SeedPolicy(seedConfig("")))
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if loaded.ErrorThreshold != 7 || loaded.WebhookURL != "https://hooks.example/x" {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadPolicyFileMissingUsesSeed(t *testing.T) {
	seed := alerting.SeedPolicy(seedConfig("https://hooks.example/x"))
	loaded, err := alerting.LoadPolicyFile(filepath.Join(t.TempDir(), "absent.json"), seed)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if loaded != seed {
		t.Fatalf("missing file should return the seed: %+v", loaded)
	}
}
