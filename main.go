// Package main runs the nightlife post ingestion service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"nightvibe/config"
	"nightvibe/email"
	"nightvibe/fetch"
	"nightvibe/ingest"
	"nightvibe/lexicon"
	"nightvibe/metrics"
	"nightvibe/orchestrator"
	"nightvibe/pkg/vibe"
	"nightvibe/scraper"
	"nightvibe/server"
	"nightvibe/storage"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	gcs "cloud.google.com/go/storage"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $CONFIG_PATH)")
	sweepOnce := flag.Bool("sweep-once", false, "run one sweep and exit")
	flag.Parse()

	config.LoadDotEnvs(".")
	if *configPath == "" {
		*configPath = os.Getenv("CONFIG_PATH")
	}

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	// Validate has already checked the level
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg, logger, *sweepOnce); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, sweepOnce bool) error {
	store, err := openStore(ctx, cfg.Storage, googleOptions(cfg), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	notifier, err := newNotifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	orch, err := newOrchestrator(cfg, store, notifier, logger)
	if err != nil {
		return err
	}

	if sweepOnce {
		report, err := orch.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		logger.Info("Sweep finished", "sweep_id", report.ID, "succeeded", report.Succeeded(), "locations", len(report.Locations))
		return nil
	}

	// Deferred after store.Close, so it runs first.
	defer startSweepLoop(ctx, orch.RunLoop, cfg.Sweep.Interval)()

	srv := server.New(&server.Config{
		Runner:       orch,
		Posts:        store,
		Metrics:      metrics.Handler(),
		Logger:       logger,
		TriggerRate:  rate.Limit(cfg.Server.TriggerRPS),
		TriggerBurst: cfg.Server.TriggerBurst,
	})
	return srv.ListenAndServe(ctx, cfg.Server.Port)
}

// startSweepLoop runs loop in the background. The returned stop cancels it and waits for it to return.
func startSweepLoop(ctx context.Context, loop func(context.Context, time.Duration), interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop(ctx, interval)
	}()
	return func() {
		cancel()
		<-done
	}
}

func newOrchestrator(cfg *config.Config, store storage.Store, notifier orchestrator.Notifier, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	if cfg.Fetch.APIKey == "" {
		logger.Warn("No SCRAPER_API_KEY set, adapters will serve sample posts")
	}
	fetcher := fetch.New(&fetch.Config{
		Limiter:  fetch.NewLimiter(cfg.Fetch.RPS, cfg.Fetch.Burst),
		Logger:   logger,
		Endpoint: cfg.Fetch.Endpoint,
		APIKey:   cfg.Fetch.APIKey,
		Timeout:  cfg.Fetch.Timeout,
		Attempts: cfg.Fetch.Attempts,
	})

	lexicons, err := cfg.Lexicons()
	if err != nil {
		return nil, err
	}
	scfg := &scraper.Config{
		Fetcher:    fetcher,
		Logger:     logger,
		Lexicons:   lexicons,
		MaxResults: cfg.Scrape.MaxResults,
	}
	adapters := make([]orchestrator.Adapter, 0, len(vibe.Platforms))
	for _, p := range vibe.Platforms {
		a, err := scraper.New(p, scfg)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", p, err)
		}
		adapters = append(adapters, a)
	}

	in := ingest.New(&ingest.Config{
		Store:    store,
		Scorer:   lexicon.NewScorer(cfg.Scrape.Emojis),
		Lexicons: lexicons,
		Logger:   logger,
	})

	// Validate has already checked the platform
	sweepPlatform, _ := vibe.ParsePlatform(cfg.Sweep.Platform)
	orch, err := orchestrator.New(&orchestrator.Config{
		Adapters:       adapters,
		Ingestor:       in,
		Cleaner:        store,
		Notifier:       notifier,
		Logger:         logger,
		SweepPlatform:  sweepPlatform,
		Cities:         cfg.Sweep.Cities,
		Pacing:         cfg.Sweep.Pacing,
		Retention:      cfg.Sweep.Retention,
		IngestAttempts: cfg.Sweep.IngestAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	return orch, nil
}

// googleOptions uses explicit credentials when provided and application default credentials otherwise.
func googleOptions(cfg *config.Config) []option.ClientOption {
	if cfg.CredentialsJSON == "" {
		return nil
	}
	return []option.ClientOption{option.WithCredentialsJSON([]byte(cfg.CredentialsJSON))}
}

// newNotifier returns nil when sweep report emails are disabled.
func newNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) (orchestrator.Notifier, error) {
	var provider email.Provider
	switch cfg.Alert.Provider {
	case "":
		return nil, nil
	case config.AlertMock:
		logger.Info("Mock email mode enabled")
		provider = email.NewMockProvider(logger, nil)
	case config.AlertBrevo:
		provider = email.NewBrevoProvider(&email.BrevoConfig{
			Logger:   logger,
			APIKey:   cfg.Alert.BrevoAPIKey,
			FromAddr: cfg.Alert.FromAddr,
			FromName: cfg.Alert.FromName,
		})
	case config.AlertGmail:
		svc, err := gmail.NewService(ctx, googleOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("create gmail service: %w", err)
		}
		provider = email.NewGmailProvider(svc, logger)
	default:
		return nil, fmt.Errorf("unknown alert provider %q", cfg.Alert.Provider)
	}
	return email.New(&email.Config{
		Provider: provider,
		Logger:   logger,
		To:       cfg.Alert.To,
		Always:   cfg.Alert.Always,
	}), nil
}

// openStore selects the storage backend. A bucket gets a Cloud Storage client.
func openStore(ctx context.Context, sc config.StorageConfig, copts []option.ClientOption, logger *slog.Logger) (storage.Store, error) {
	opts := storage.Options{
		Logger:      logger,
		DatabaseURL: sc.DatabaseURL,
		SQLitePath:  sc.SQLitePath,
		Bucket:      sc.Bucket,
		LocalPath:   sc.LocalPath,
	}

	switch {
	case sc.DatabaseURL != "":
		logger.Info("Using postgres storage")
	case sc.SQLitePath != "":
		logger.Info("Using sqlite storage", "path", sc.SQLitePath)
		if sc.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(sc.SQLitePath), 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite directory: %w", err)
			}
		}
	case sc.Bucket != "":
		logger.Info("Using cloud storage bucket", "bucket", sc.Bucket)
		client, err := gcs.NewClient(ctx, copts...)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		opts.GCS = client
	case sc.LocalPath != "":
		logger.Info("Running in local development mode", "storage_path", sc.LocalPath)
	default:
		return nil, errors.New("no storage backend configured")
	}
	return storage.Open(ctx, opts)
}
