package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchBuildsProxyRequest(t *testing.T) {
	var gotKey, gotURL, gotRender string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("api_key")
		gotURL = r.URL.Query().Get("url")
		gotRender = r.URL.Query().Get("render")
		if _, err := w.Write([]byte("<html>ok</html>")); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer srv.Close()

	c := New(&Config{Endpoint: srv.URL + "/", APIKey: "k123", Logger: discardLogger()})
	body, err := c.Fetch(context.Background(), "https://www.tiktok.com/tag/nightlife", Options{Render: true})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if body != "<html>ok</html>" {
		t.Errorf("Fetch() = %q, want %q", body, "<html>ok</html>")
	}
	if gotKey != "k123" {
		t.Errorf("api_key = %q, want %q", gotKey, "k123")
	}
	if gotURL != "https://www.tiktok.com/tag/nightlife" {
		t.Errorf("url = %q", gotURL)
	}
	if gotRender != "true" {
		t.Errorf("render = %q, want true", gotRender)
	}
}

func TestFetchMissingCredential(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := New(&Config{Endpoint: srv.URL, Logger: discardLogger()})
	_, err := c.Fetch(context.Background(), "https://example.com", Options{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Fetch() error = %v, want ErrMissingCredential", err)
	}
	if calls.Load() != 0 {
		t.Errorf("proxy called %d times without a credential", calls.Load())
	}
}

func TestFetchStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		wantCalls int32
	}{
		{name: "forbidden is not retried", code: http.StatusForbidden, wantCalls: 1},
		{name: "server error is retried", code: http.StatusBadGateway, wantCalls: 3},
		{name: "rate limited is retried", code: http.StatusTooManyRequests, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			c := New(&Config{
				Endpoint:   srv.URL,
				APIKey:     "k",
				Attempts:   3,
				RetryDelay: time.Millisecond,
				Logger:     discardLogger(),
			})
			_, err := c.Fetch(context.Background(), "https://example.com", Options{})
			if err == nil {
				t.Fatal("Fetch() expected error")
			}
			if !IsStatusError(err) {
				t.Errorf("IsStatusError(%v) = false, want true", err)
			}
			var se *StatusError
			if errors.As(err, &se) && se.Code != tt.code {
				t.Errorf("StatusError.Code = %d, want %d", se.Code, tt.code)
			}
			if calls.Load() != tt.wantCalls {
				t.Errorf("proxy calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
		})
	}
}

func TestFetchRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if _, err := w.Write([]byte("second")); err != nil {
			t.Errorf("write: %v", err)
		}
	}))
	defer srv.Close()

	c := New(&Config{Endpoint: srv.URL, APIKey: "k", Attempts: 2, RetryDelay: time.Millisecond, Logger: discardLogger()})
	body, err := c.Fetch(context.Background(), "https://example.com", Options{})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if body != "second" {
		t.Errorf("Fetch() = %q, want %q", body, "second")
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(&Config{Endpoint: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond, Logger: discardLogger()})
	start := time.Now()
	_, err := c.Fetch(context.Background(), "https://example.com", Options{})
	if err == nil {
		t.Fatal("Fetch() expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Fetch() took %v, timeout not enforced", elapsed)
	}
}

func TestNewLimiter(t *testing.T) {
	if l := NewLimiter(0, 0); !l.Allow() || !l.Allow() {
		t.Error("NewLimiter(0, 0) should not limit")
	}
	l := NewLimiter(0.001, 1)
	if !l.Allow() {
		t.Error("first token should be available")
	}
	if l.Allow() {
		t.Error("second token should be withheld")
	}
}

func TestFetchErrorsOmitAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := srv.URL
	srv.Close() // Connections are refused from here on

	var logs strings.Builder
	c := New(&Config{
		Endpoint:   endpoint,
		APIKey:     "SECRET-KEY-123",
		Attempts:   2,
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
	})
	_, err := c.Fetch(context.Background(), "https://www.instagram.com/explore/tags/nightlife/", Options{Render: true})
	if err == nil {
		t.Fatal("Fetch() expected connection error")
	}
	if strings.Contains(err.Error(), "SECRET-KEY-123") {
		t.Errorf("Fetch() error leaks API key: %v", err)
	}
	if !strings.Contains(err.Error(), "instagram.com") {
		t.Errorf("Fetch() error = %v, want target URL for context", err)
	}
	if strings.Contains(logs.String(), "SECRET-KEY-123") {
		t.Errorf("logs leak API key:\n%s", logs.String())
	}
}
