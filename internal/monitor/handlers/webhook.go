package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/smedrec/smart-logs-sub000/internal/monitor/models"
)

// WebhookConfig configures the outbound webhook.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	// Rate is the sustained number of deliveries per second; Burst bounds
	// spikes.
	Rate  float64
	Burst int
	// Headers are added to every request, e.g. an authorization token.
	Headers map[string]string
}

// Webhook POSTs alerts as JSON.
type Webhook struct {
	cfg     WebhookConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewWebhook(cfg WebhookConfig, client *http.Client) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Webhook{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
	}, nil
}

func (w *Webhook) Name() string { return "webhook" }

type webhookPayload struct {
	Event  string        `json:"event"`
	Alert  *models.Alert `json:"alert"`
	SentAt time.Time     `json:"sentAt"`
}

func (w *Webhook) Send(ctx context.Context, alert *models.Alert) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	if err := w.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook rate limit: %w", err)
	}

	body, err := json.Marshal(webhookPayload{Event: "alert.created", Alert: alert, SentAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
