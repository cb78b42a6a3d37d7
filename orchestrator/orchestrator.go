// Package orchestrator runs adapters and the ingestor on demand and on a schedule.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/ingest"
	"nightvibe/pkg/vibe"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Defaults for sweeps.
const (
	DefaultPacing    = 2 * time.Second
	DefaultRetention = 7 * 24 * time.Hour
)

// DefaultCities is the sweep location list.
var DefaultCities = []string{
	"New York, NY",
	"Los Angeles, CA",
	"Miami, FL",
	"Las Vegas, NV",
	"Chicago, IL",
	"San Francisco, CA",
}

var (
	// ErrSweepRunning is returned when a sweep is requested while another is in progress.
	ErrSweepRunning = errors.New("sweep already running")
	// ErrUnknownPlatform is returned for platforms without a configured adapter.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// Adapter scrapes candidate posts for one platform.
type Adapter interface {
	Platform() vibe.Platform
	DefaultLocation() string
	Scrape(ctx context.Context, location string) ([]*vibe.CandidatePost, error)
}

// Ingestor persists candidates.
type Ingestor interface {
	Ingest(ctx context.Context, platform vibe.Platform, candidates []*vibe.CandidatePost) (*ingest.Result, error)
}

// Cleaner deletes posts past retention.
type Cleaner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Notifier receives every finished sweep report.
type Notifier interface {
	SendSweepReport(ctx context.Context, r *SweepReport) error
}

// Outcome is the result of one scrape and ingest for a platform and location.
type Outcome struct {
	Result   *ingest.Result `json:"result,omitempty"`
	Platform vibe.Platform  `json:"platform"`
	Location string         `json:"location"`
	Error    string         `json:"error,omitempty"`
	Success  bool           `json:"success"`
	NotRun   bool           `json:"not_run,omitempty"` // Sweep stopped before reaching this location
}

// CleanupOutcome reports the retention step of a sweep.
type CleanupOutcome struct {
	Cutoff  time.Time `json:"cutoff"`
	Error   string    `json:"error,omitempty"`
	Deleted int       `json:"deleted"`
	Success bool      `json:"success"`
	Ran     bool      `json:"ran"`
}

// SweepReport is the full record of one sweep.
type SweepReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	ID         string         `json:"id"`
	Platform   vibe.Platform  `json:"platform"`
	Locations  []Outcome      `json:"locations"`
	Cleanup    CleanupOutcome `json:"cleanup"`
}

// Succeeded counts locations that completed successfully.
func (r *SweepReport) Succeeded() int {
	n := 0
	for _, o := range r.Locations {
		if o.Success {
			n++
		}
	}
	return n
}

// Config holds orchestrator configuration.
type Config struct {
	Ingestor       Ingestor
	Cleaner        Cleaner
	Notifier       Notifier
	Logger         *slog.Logger
	Now            func() time.Time
	SweepPlatform  vibe.Platform
	Adapters       []Adapter // Run in this order
	Cities         []string
	Pacing         time.Duration
	Retention      time.Duration
	IngestAttempts uint
	RetryDelay     time.Duration
}

// Orchestrator coordinates adapters, ingestion and retention.
type Orchestrator struct {
	ingestor       Ingestor
	cleaner        Cleaner
	notifier       Notifier
	logger         *slog.Logger
	now            func() time.Time
	adapters       map[vibe.Platform]Adapter
	order          []vibe.Platform
	cities         []string
	sweepPlatform  vibe.Platform
	pacing         time.Duration
	retention      time.Duration
	ingestAttempts uint
	retryDelay     time.Duration

	mu     sync.Mutex
	status Status
}

// New creates a new orchestrator.
func New(cfg *Config) (*Orchestrator, error) {
	o := &Orchestrator{
		ingestor:       cfg.Ingestor,
		cleaner:        cfg.Cleaner,
		notifier:       cfg.Notifier,
		logger:         cfg.Logger,
		now:            cfg.Now,
		adapters:       make(map[vibe.Platform]Adapter, len(cfg.Adapters)),
		cities:         cfg.Cities,
		sweepPlatform:  cfg.SweepPlatform,
		pacing:         cfg.Pacing,
		retention:      cfg.Retention,
		ingestAttempts: cfg.IngestAttempts,
		retryDelay:     cfg.RetryDelay,
		status:         Status{Phase: PhaseIdle},
	}
	if o.ingestor == nil {
		return nil, errors.New("orchestrator requires an ingestor")
	}
	for _, a := range cfg.Adapters {
		if _, dup := o.adapters[a.Platform()]; dup {
			return nil, fmt.Errorf("duplicate adapter for %s", a.Platform())
		}
		o.adapters[a.Platform()] = a
		o.order = append(o.order, a.Platform())
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = time.Now
	}
	if len(o.cities) == 0 {
		o.cities = DefaultCities
	}
	if o.sweepPlatform == "" {
		o.sweepPlatform = vibe.Twitter
	}
	if _, ok := o.adapters[o.sweepPlatform]; !ok && len(o.adapters) > 0 {
		return nil, fmt.Errorf("sweep platform %s: %w", o.sweepPlatform, ErrUnknownPlatform)
	}
	if o.pacing < 0 {
		o.pacing = 0
	}
	if o.retention <= 0 {
		o.retention = DefaultRetention
	}
	if o.ingestAttempts == 0 {
		o.ingestAttempts = 1
	}
	if o.retryDelay <= 0 {
		o.retryDelay = time.Second
	}
	return o, nil
}

// Platforms lists the configured platforms in run order.
func (o *Orchestrator) Platforms() []vibe.Platform {
	return append([]vibe.Platform(nil), o.order...)
}

// RunPlatform scrapes and ingests one platform. An empty location uses the adapter default.
// Scrape and ingest failures are reported in the outcome, not as an error.
func (o *Orchestrator) RunPlatform(ctx context.Context, platform vibe.Platform, location string) (Outcome, error) {
	a, ok := o.adapters[platform]
	if !ok {
		return Outcome{Platform: platform, Location: location}, fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}
	return o.run(ctx, a, location), nil
}

// RunAll runs every configured platform for a location, one after another.
// Partial failure is normal; every platform gets an outcome.
func (o *Orchestrator) RunAll(ctx context.Context, location string) []Outcome {
	outcomes := make([]Outcome, 0, len(o.order))
	for i, p := range o.order {
		if ctx.Err() != nil {
			o.logger.Info("Context cancelled, stopping platform run", "error", ctx.Err())
			for _, rest := range o.order[i:] {
				outcomes = append(outcomes, Outcome{Platform: rest, Location: location, NotRun: true, Error: ctx.Err().Error()})
			}
			break
		}
		outcomes = append(outcomes, o.run(ctx, o.adapters[p], location))
	}
	return outcomes
}

func (o *Orchestrator) run(ctx context.Context, a Adapter, location string) Outcome {
	platform := a.Platform()
	if strings.TrimSpace(location) == "" {
		location = a.DefaultLocation()
	}
	out := Outcome{Platform: platform, Location: location}

	candidates, err := a.Scrape(ctx, location)
	if err != nil {
		o.logger.Error("Scrape failed", "platform", platform, "location", location, "error", err)
		out.Error = fmt.Sprintf("scrape: %v", err)
		return out
	}

	var res *ingest.Result
	err = retry.Do(
		func() error {
			var ingestErr error
			res, ingestErr = o.ingestor.Ingest(ctx, platform, candidates)
			return ingestErr
		},
		retry.Attempts(o.ingestAttempts),
		retry.Delay(o.retryDelay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(o.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			o.logger.Info("Retrying ingest after error", "attempt", n, "platform", platform, "location", location, "error", err)
		}),
	)
	if err != nil {
		o.logger.Error("Ingest failed", "platform", platform, "location", location, "error", err)
		out.Error = fmt.Sprintf("ingest: %v", err)
		out.Result = res
		return out
	}

	out.Success = true
	out.Result = res
	return out
}
