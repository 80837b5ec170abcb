package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"hypertrader/internal/ports"
)

// Webhook posts notification messages as JSON to a configured HTTP endpoint.
// Delivery is fire-and-forget: a failed post is logged, never retried, and
// never blocks the caller's trading path. A token bucket caps the outbound
// rate so notification bursts cannot exhaust the receiving service.
type Webhook struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  ports.Logger
}

// Config holds configuration for the webhook notifier.
type Config struct {
	URL     string
	Logger  ports.Logger
	Timeout time.Duration // Per-request timeout, defaults to 5s
	PerSec  float64       // Sustained messages per second, defaults to 1
	Burst   int           // Burst allowance, defaults to 5
}

// New creates a webhook notifier. An empty URL yields a no-op notifier so
// callers never need to branch on whether notifications are configured.
func New(cfg Config) (*Webhook, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for webhook notifier")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	perSec := cfg.PerSec
	if perSec <= 0 {
		perSec = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	return &Webhook{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		logger:  cfg.Logger,
	}, nil
}

type payload struct {
	Text string `json:"text"`
	At   string `json:"at"`
}

// Notify sends a message. Messages arriving faster than the rate limit
// allows are dropped, not queued; trading flow must never wait on a
// notification channel.
func (w *Webhook) Notify(ctx context.Context, message string) {
	if w.url == "" {
		return
	}
	if !w.limiter.Allow() {
		w.logger.Warn(ctx, "Notification dropped by rate limiter", map[string]interface{}{"message": message})
		return
	}

	body, err := json.Marshal(payload{Text: message, At: time.Now().UTC().Format(time.RFC3339)})
	if err != nil {
		w.logger.Error(ctx, err, "Failed to marshal notification payload")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.logger.Error(ctx, err, "Failed to build notification request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn(ctx, "Notification delivery failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		w.logger.Warn(ctx, "Notification endpoint returned non-success status", map[string]interface{}{"status": resp.StatusCode})
	}
}
