package alerting

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Alert rule names and severities.
const (
	RuleErrorThreshold = "error_threshold"
	RuleNoLogs         = "no_logs"
	RuleManualTest     = "manual_test"

	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// Payload is the webhook request body.
type Payload struct {
	Source      string                 `json:"source"`
	Rule        string                 `json:"rule"`
	Severity    string                 `json:"severity"`
	TriggeredAt string                 `json:"triggeredAt"`
	ServiceURL  string                 `json:"serviceUrl,omitempty"`
	Details     map[string]interface{} `json:"details"`
}

// webhookClient delivers payloads with bounded retries. Timeouts, connection
// errors, 408, 429 and 5xx are retryable; any other non-2xx status is
// terminal.
type webhookClient struct {
	timeout   time.Duration
	attempts  int
	backoffMs float64
	client    *http.Client
}

func newWebhookClient(p Policy) *webhookClient {
	return &webhookClient{
		timeout:   time.Duration(p.WebhookTimeoutMs) * time.Millisecond,
		attempts:  p.WebhookRetryAttempts,
		backoffMs: p.WebhookBackoffMs,
		client:    &http.Client{},
	}
}

// send POSTs the payload, retrying with exponential backoff. The last error
// is returned after the attempt budget is spent.
func (c *webhookClient) send(url string, body []byte) error {
	var lastErr error
	backoff := c.backoffMs

	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			log.Debug().
				Int("attempt", attempt).
				Float64("backoffMs", backoff).
				Msg("Retrying webhook after backoff")
			time.Sleep(time.Duration(backoff) * time.Millisecond)
			backoff *= 2
		}

		retryable, err := c.sendOnce(url, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("Webhook attempt failed")
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", c.attempts, lastErr)
}

func (c *webhookClient) sendOnce(url string, body []byte) (retryable bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mikroscope/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		// Network failures and per-attempt deadline expiry are retryable.
		return true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}
	retryable = resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500
	return retryable, fmt.Errorf("webhook returned status %d", resp.StatusCode)
}
