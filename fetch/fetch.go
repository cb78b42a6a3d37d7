// Package fetch talks to the external scraping proxy that renders platform pages.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

// DefaultEndpoint is the ScraperAPI-compatible proxy endpoint.
const DefaultEndpoint = "http://api.scraperapi.com/"

const maxBodyBytes = 10 << 20

// ErrMissingCredential is returned when no proxy API key is configured.
var ErrMissingCredential = errors.New("scraper API key not configured")

// StatusError indicates the proxy answered with a non-success status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.URL)
}

// IsStatusError checks if an error is a non-success proxy response.
func IsStatusError(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	if errors.Is(err, ErrMissingCredential) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Options are per-request hints passed to the proxy.
type Options struct {
	Render bool // Ask the proxy to execute JavaScript before returning markup
}

// Config holds client configuration.
type Config struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Logger     *slog.Logger
	Endpoint   string
	APIKey     string
	Timeout    time.Duration // Bound on each attempt
	Attempts   uint
	RetryDelay time.Duration
}

// Client fetches pages through the scraping proxy.
type Client struct {
	client     *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	endpoint   string
	apiKey     string
	timeout    time.Duration
	attempts   uint
	retryDelay time.Duration
}

// New creates a new proxy client.
func New(cfg *Config) *Client {
	c := &Client{
		client:     cfg.HTTPClient,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger,
		endpoint:   cfg.Endpoint,
		apiKey:     cfg.APIKey,
		timeout:    cfg.Timeout,
		attempts:   cfg.Attempts,
		retryDelay: cfg.RetryDelay,
	}
	if c.client == nil {
		c.client = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.endpoint == "" {
		c.endpoint = DefaultEndpoint
	}
	if c.timeout <= 0 {
		c.timeout = 60 * time.Second
	}
	if c.attempts == 0 {
		c.attempts = 1
	}
	if c.retryDelay <= 0 {
		c.retryDelay = time.Second
	}
	return c
}

// NewLimiter builds the token bucket shared by all proxy calls.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Fetch retrieves targetURL through the proxy and returns the response body.
func (c *Client) Fetch(ctx context.Context, targetURL string, opts Options) (string, error) {
	if c.apiKey == "" {
		return "", ErrMissingCredential
	}

	proxyURL, err := c.buildURL(targetURL, opts)
	if err != nil {
		return "", err
	}

	var body string
	err = retry.Do(
		func() error {
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					return retry.Unrecoverable(fmt.Errorf("wait for rate limiter: %w", err))
				}
			}
			b, err := c.fetchOnce(ctx, proxyURL, targetURL)
			if err != nil {
				return err
			}
			body = b
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "target", targetURL, "error", err)
		}),
		retry.RetryIf(retryable),
	)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", targetURL, err)
	}
	return body, nil
}

func (c *Client) fetchOnce(ctx context.Context, proxyURL, targetURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, proxyURL, http.NoBody)
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}

	c.logger.Debug("HTTP request starting", "method", "GET", "target", targetURL, "purpose", "fetch_platform_page")

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		err = redact(err)
		c.logger.Warn("HTTP request failed", "target", targetURL, "duration_ms", duration.Milliseconds(), "error", err)
		return "", err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Debug("HTTP request completed",
		"target", targetURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{URL: targetURL, Code: resp.StatusCode}
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}

// redact drops the proxy URL from transport errors; its query carries the API key.
func redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return fmt.Errorf("%s proxy: %w", ue.Op, ue.Err)
	}
	return err
}

func (c *Client) buildURL(targetURL string, opts Options) (string, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.apiKey)
	q.Set("url", targetURL)
	if opts.Render {
		q.Set("render", strconv.FormatBool(true))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
