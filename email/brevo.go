package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultBrevoEndpoint is the Brevo transactional email API.
const DefaultBrevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoConfig holds Brevo provider configuration.
type BrevoConfig struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	APIKey     string
	FromAddr   string
	FromName   string
	Endpoint   string
	Attempts   uint
	RetryDelay time.Duration
}

// BrevoProvider sends emails via Brevo (formerly Sendinblue) API.
type BrevoProvider struct {
	client     *http.Client
	logger     *slog.Logger
	apiKey     string
	fromAddr   string
	fromName   string
	endpoint   string
	attempts   uint
	retryDelay time.Duration
}

// NewBrevoProvider creates a new Brevo email provider.
func NewBrevoProvider(cfg *BrevoConfig) *BrevoProvider {
	b := &BrevoProvider{
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
		apiKey:     cfg.APIKey,
		fromAddr:   cfg.FromAddr,
		fromName:   cfg.FromName,
		endpoint:   cfg.Endpoint,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}
	if b.client == nil {
		b.client = &http.Client{Timeout: 30 * time.Second}
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.endpoint == "" {
		b.endpoint = DefaultBrevoEndpoint
	}
	if b.attempts == 0 {
		b.attempts = 3
	}
	if b.retryDelay <= 0 {
		b.retryDelay = time.Second
	}
	return b
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	To      []brevoContact `json:"to"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoSendResponse struct {
	MessageID string `json:"messageId"`
}

// brevoStatusError is a non-2xx answer from the Brevo API.
type brevoStatusError struct {
	Code int
}

func (e *brevoStatusError) Error() string {
	return fmt.Sprintf("brevo: HTTP %d", e.Code)
}

// Client errors other than throttling will not succeed on retry.
func brevoRetryable(err error) bool {
	var se *brevoStatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Send sends an email via Brevo API.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	jsonData, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			b.logger.Info("Brevo API request starting", "method", "POST", "to", to, "subject", subject)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Accept", "application/json")
			req.Header.Set("api-key", b.apiKey)

			resp, err := b.client.Do(req)
			duration := time.Since(startTime)
			if err != nil {
				b.logger.Warn("Brevo API request failed", "to", to, "duration_ms", duration.Milliseconds(), "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					b.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				b.logger.Warn("Brevo API returned non-2xx status", "status_code", resp.StatusCode, "to", to)
				return &brevoStatusError{Code: resp.StatusCode}
			}

			var out brevoSendResponse
			if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
				b.logger.Debug("Brevo response had no message id", "error", err)
			}
			b.logger.Info("Brevo API request completed",
				"to", to,
				"message_id", out.MessageID,
				"duration_ms", duration.Milliseconds())
			return nil
		},
		retry.Attempts(b.attempts),
		retry.Delay(b.retryDelay),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(b.retryDelay),
		retry.Context(ctx),
		retry.RetryIf(brevoRetryable),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo email send after error", "attempt", n, "error", err)
		}),
	)
}
