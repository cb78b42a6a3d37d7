package main

import (
	"context"
	"io"
	"log/slog"
	"nightvibe/config"
	"nightvibe/pkg/vibe"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenStoreCreatesSQLiteDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "nightvibe.db")
	store, err := openStore(context.Background(), config.StorageConfig{SQLitePath: path}, nil, discardLogger())
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Errorf("sqlite directory not created: %v", err)
	}
	posts, err := store.Query(context.Background(), vibe.Query{Limit: 5})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("Query() = %d posts, want 0", len(posts))
	}
}

func TestOpenStoreNoBackend(t *testing.T) {
	if _, err := openStore(context.Background(), config.StorageConfig{}, nil, discardLogger()); err == nil {
		t.Error("openStore() expected error with no backend")
	}
}

func TestNewNotifier(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantNil  bool
		wantErr  bool
	}{
		{name: "disabled", provider: "", wantNil: true},
		{name: "mock", provider: config.AlertMock},
		{name: "brevo", provider: config.AlertBrevo},
		{name: "unknown", provider: "pigeon", wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Alert = config.AlertConfig{
				Provider:    tt.provider,
				To:          []string{"ops@example.com"},
				FromAddr:    "alerts@example.com",
				BrevoAPIKey: "key",
			}
			n, err := newNotifier(context.Background(), &cfg, discardLogger())
			if (err != nil) != tt.wantErr {
				t.Fatalf("newNotifier() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (n == nil) != tt.wantNil {
				t.Errorf("newNotifier() = %v, wantNil %v", n, tt.wantNil)
			}
		})
	}
}

func TestNewOrchestratorWiresEveryPlatform(t *testing.T) {
	cfg := config.Default()
	store, err := openStore(context.Background(), config.StorageConfig{SQLitePath: ":memory:"}, nil, discardLogger())
	if err != nil {
		t.Fatalf("openStore() error: %v", err)
	}
	defer store.Close()

	orch, err := newOrchestrator(&cfg, store, nil, discardLogger())
	if err != nil {
		t.Fatalf("newOrchestrator() error: %v", err)
	}
	if diff := cmp.Diff(vibe.Platforms, orch.Platforms()); diff != "" {
		t.Errorf("Platforms() mismatch (-want +got):\n%s", diff)
	}
	if got := orch.Status().Phase; got != "idle" {
		t.Errorf("Status().Phase = %q, want idle", got)
	}
}

func TestStartSweepLoopStopWaitsForLoop(t *testing.T) {
	var finished atomic.Bool
	started := make(chan time.Duration, 1)
	loop := func(ctx context.Context, interval time.Duration) {
		started <- interval
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond) // An in-flight sweep winding down
		finished.Store(true)
	}

	stop := startSweepLoop(context.Background(), loop, time.Hour)
	if got := <-started; got != time.Hour {
		t.Errorf("loop interval = %v, want 1h", got)
	}
	stop()
	if !finished.Load() {
		t.Error("stop() returned before the loop finished")
	}
}
