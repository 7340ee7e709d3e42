package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/opnet-plugins/pkg/admission"
	"github.com/platinummonkey/opnet-plugins/pkg/observability"
)

const publisherWebhook = "webhook"

// Delivery headers
const (
	HeaderEvent     = "X-OPNet-Event"
	HeaderEventID   = "X-OPNet-Event-ID"
	HeaderDelivery  = "X-OPNet-Delivery"
	HeaderSignature = "X-OPNet-Signature"
)

// WebhookConfig configures a webhook endpoint
type WebhookConfig struct {
	URL    string
	Secret string
	// Events limits delivery to these types; empty means all
	Events  []EventType
	Timeout time.Duration
	Retry   RetryConfig
}

// WebhookPublisher POSTs decision events to an HTTP endpoint, retrying with
// exponential backoff until the endpoint answers 2xx.
type WebhookPublisher struct {
	cfg     WebhookConfig
	client  *http.Client
	retry   *RetryPolicy
	logger  *logrus.Logger
	metrics *observability.Metrics
}

var _ admission.Publisher = (*WebhookPublisher)(nil)

// NewWebhookPublisher validates cfg and builds the HTTP client
func NewWebhookPublisher(cfg WebhookConfig, logger *logrus.Logger, metrics *observability.Metrics) (*WebhookPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &WebhookPublisher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   NewRetryPolicy(cfg.Retry),
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}, nil
}

func (p *WebhookPublisher) wants(t EventType) bool {
	if len(p.cfg.Events) == 0 {
		return true
	}
	for _, e := range p.cfg.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Publish implements admission.Publisher
func (p *WebhookPublisher) Publish(ctx context.Context, d *admission.Decision) error {
	e := NewEvent(d)
	if !p.wants(e.Type) {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	for attempt := 1; ; attempt++ {
		err = p.send(ctx, e, payload)
		if err == nil {
			observe(p.metrics, publisherWebhook, nil)
			return nil
		}
		if !p.retry.ShouldRetry(attempt, err) {
			break
		}
		delay := p.retry.NextRetryDelay(attempt)
		p.logger.WithFields(logrus.Fields{
			"url":      p.cfg.URL,
			"event_id": e.ID,
			"attempt":  attempt,
			"delay":    delay,
		}).WithError(err).Warn("webhook delivery failed, retrying")
		if werr := wait(ctx, delay); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}
	observe(p.metrics, publisherWebhook, err)
	return fmt.Errorf("webhook delivery to %s failed: %w", p.cfg.URL, err)
}

func (p *WebhookPublisher) send(ctx context.Context, e *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(e.Type))
	req.Header.Set(HeaderEventID, e.ID)
	req.Header.Set(HeaderDelivery, time.Now().UTC().Format(time.RFC3339))
	if p.cfg.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, p.cfg.Secret))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the HMAC-SHA256 signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header against payload
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
