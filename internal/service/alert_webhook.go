package service

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"sessiontrust/internal/entity"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"
)

type WebhookConfig struct {
	URL     string
	Headers map[string]string
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// WebhookAlertSink posts alerts as JSON. A circuit breaker stops hammering an
// endpoint that keeps failing.
type WebhookAlertSink struct {
	url     string
	headers map[string]string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
}

type webhookPayload struct {
	Event     *entity.SecurityEvent `json:"event"`
	EventType string                `json:"event_type"`
	Timestamp time.Time             `json:"timestamp"`
	Source    string                `json:"source"`
}

func NewWebhookAlertSink(cfg WebhookConfig, log logrus.FieldLogger) *WebhookAlertSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	threshold := cfg.FailureThreshold
	return &WebhookAlertSink{
		url:     cfg.URL,
		headers: headers,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "alert-webhook",
			MaxRequests: 1,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("circuit breaker state changed")
			},
		}),
	}
}

func (s *WebhookAlertSink) Name() string {
	return "webhook"
}

func (s *WebhookAlertSink) Send(ctx context.Context, event *entity.SecurityEvent) error {
	body, err := json.Marshal(webhookPayload{
		Event:     event,
		EventType: string(event.Type),
		Timestamp: event.CreatedAt,
		Source:    "sessiontrust",
	})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}
	_, err = s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, body)
	})
	return err
}

func (s *WebhookAlertSink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.headers {
		req.Header.Set(key, value)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
