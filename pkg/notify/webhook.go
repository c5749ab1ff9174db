package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/hashicorp/go-retryablehttp"
)

// WebhookConfig configures the HTTP notifier.
type WebhookConfig struct {
	// URL receives a JSON POST per completed upload.
	URL string

	// Timeout bounds each attempt (default 10s).
	Timeout time.Duration

	// MaxRetries is the number of retries after the first attempt (default 3).
	MaxRetries int

	// RetryWaitMin and RetryWaitMax bound the backoff between attempts.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// DefaultWebhookConfig returns a WebhookConfig with sensible defaults.
func DefaultWebhookConfig(url string) WebhookConfig {
	return WebhookConfig{
		URL:          url,
		Timeout:      10 * time.Second,
		MaxRetries:   3,
		RetryWaitMin: 500 * time.Millisecond,
		RetryWaitMax: 5 * time.Second,
	}
}

// Webhook POSTs notifications to an HTTP endpoint. The response body is ignored.
type Webhook struct {
	url    string
	client *http.Client
}

type retryLogger struct{}

func (retryLogger) Printf(msg string, args ...any) {
	logger.Debug().Msgf("notify: "+msg, args...)
}

// NewWebhook builds a webhook notifier over go-retryablehttp, which retries
// connection errors and 5xx responses.
func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	def := DefaultWebhookConfig(cfg.URL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = def.RetryWaitMax
	}

	rc := retryablehttp.NewClient()
	rc.Logger = retryLogger{}
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout

	return &Webhook{url: cfg.URL, client: rc.StandardClient()}, nil
}

func (w *Webhook) Name() string {
	return "webhook"
}

// IsSuccessStatusCode returns true for status code 2xx
func IsSuccessStatusCode(statusCode int) bool {
	return statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	start := time.Now()
	body, err := n.encode()
	if err != nil {
		return fmt.Errorf("could not serialize notification: %s: %w", err, ErrNotifyFailed)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create HTTP request: %s: %w", err, ErrNotifyFailed)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("could not make HTTP request: %s: %w", err, ErrNotifyFailed)
	}
	defer func() { _ = res.Body.Close() }()
	if !IsSuccessStatusCode(res.StatusCode) {
		return fmt.Errorf("webhook request failed - status=%d: %w", res.StatusCode, ErrNotifyFailed)
	}

	DeliveryDuration.WithLabelValues(w.Name()).Observe(time.Since(start).Seconds())
	return nil
}

func (w *Webhook) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
