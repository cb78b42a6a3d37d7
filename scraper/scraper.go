// Package scraper fetches platform pages and parses them into candidate posts.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/fetch"
	"nightvibe/lexicon"
	"nightvibe/metrics"
	"nightvibe/pkg/vibe"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// DefaultMaxResults caps the number of candidates one scrape returns.
const DefaultMaxResults = 10

// sampleBase anchors the timestamps of the constant sample sets.
var sampleBase = time.Date(2024, time.January, 15, 12, 0, 0, 0, time.UTC)

// Fetcher retrieves a rendered page body for a target URL.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, opts fetch.Options) (string, error)
}

// Page is one fetched body prepared for a parse pass.
type Page struct {
	FetchedAt time.Time // Also the run marker for ids that have no stable source
	Doc       *goquery.Document
	Location  string
}

// Strategy turns a page into candidates; an empty result yields to the next strategy.
type Strategy func(p *Page) []*vibe.CandidatePost

type layer struct {
	source string
	parse  Strategy
}

// Config holds adapter configuration shared by all platforms.
type Config struct {
	Fetcher    Fetcher
	Logger     *slog.Logger
	Now        func() time.Time
	Lexicons   map[vibe.Platform]lexicon.Lexicon // Overrides the default lexicon per platform
	MaxResults int
}

// Adapter scrapes one platform with layered parse strategies and a constant fallback.
type Adapter struct {
	fetcher         Fetcher
	logger          *slog.Logger
	now             func() time.Time
	target          func(location string) string
	fallback        func(location string) []*vibe.CandidatePost
	platform        vibe.Platform
	defaultLocation string
	lexicon         lexicon.Lexicon
	layers          []layer
	maxResults      int
}

// New creates the adapter for a platform.
func New(platform vibe.Platform, cfg *Config) (*Adapter, error) {
	switch platform {
	case vibe.Twitter:
		return newTwitter(cfg), nil
	case vibe.Instagram:
		return newInstagram(cfg), nil
	case vibe.TikTok:
		return newTikTok(cfg), nil
	default:
		return nil, fmt.Errorf("no adapter for platform %q", platform)
	}
}

// NewAll creates one adapter per supported platform.
func NewAll(cfg *Config) map[vibe.Platform]*Adapter {
	adapters := make(map[vibe.Platform]*Adapter, len(vibe.Platforms))
	for _, p := range vibe.Platforms {
		a, err := New(p, cfg)
		if err != nil {
			continue
		}
		adapters[p] = a
	}
	return adapters
}

func newAdapter(platform vibe.Platform, cfg *Config, defaultLex lexicon.Lexicon) *Adapter {
	a := &Adapter{
		platform:   platform,
		fetcher:    cfg.Fetcher,
		logger:     cfg.Logger,
		now:        cfg.Now,
		lexicon:    defaultLex,
		maxResults: cfg.MaxResults,
	}
	if lex, ok := cfg.Lexicons[platform]; ok && len(lex) > 0 {
		a.lexicon = lex
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.maxResults <= 0 {
		a.maxResults = DefaultMaxResults
	}
	return a
}

// Platform returns the platform this adapter scrapes.
func (a *Adapter) Platform() vibe.Platform {
	return a.platform
}

// DefaultLocation is used when a caller supplies no location.
func (a *Adapter) DefaultLocation() string {
	return a.defaultLocation
}

// Lexicon returns the keyword list used for relevance filtering.
func (a *Adapter) Lexicon() lexicon.Lexicon {
	return a.lexicon
}

// Scrape fetches and parses posts for a location.
// Fetch and parse problems never surface: the constant sample set is returned instead.
func (a *Adapter) Scrape(ctx context.Context, location string) ([]*vibe.CandidatePost, error) {
	if strings.TrimSpace(location) == "" {
		location = a.defaultLocation
	}
	target := a.target(location)

	a.logger.Info("Starting platform scrape", "platform", a.platform, "location", location, "target", target)

	if a.fetcher == nil {
		return a.useFallback(location, "no fetcher configured"), nil
	}

	body, err := a.fetcher.Fetch(ctx, target, fetch.Options{Render: true})
	if err != nil {
		metrics.FetchFailures.WithLabelValues(string(a.platform)).Inc()
		reason := "fetch failed"
		if errors.Is(err, fetch.ErrMissingCredential) {
			reason = "missing credential"
		}
		a.logger.Warn("Platform fetch failed", "platform", a.platform, "location", location, "error", err)
		return a.useFallback(location, reason), nil
	}

	posts, source := a.parse(body, location)
	metrics.Scrapes.WithLabelValues(string(a.platform), source).Inc()
	a.logger.Info("Platform scrape complete",
		"platform", a.platform,
		"location", location,
		"source", source,
		"posts_found", len(posts))
	return posts, nil
}

// parse runs the layers in order and returns the first non-empty result.
func (a *Adapter) parse(body, location string) ([]*vibe.CandidatePost, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		a.logger.Warn("Failed to parse HTML", "platform", a.platform, "error", err)
		return a.fallback(location), metrics.SourceFallback
	}
	page := &Page{FetchedAt: a.now(), Doc: doc, Location: location}

	for _, l := range a.layers {
		posts := l.parse(page)
		if len(posts) == 0 {
			a.logger.Debug("Parse layer found nothing", "platform", a.platform, "source", l.source)
			continue
		}
		if len(posts) > a.maxResults {
			posts = posts[:a.maxResults]
		}
		return posts, l.source
	}

	a.logger.Info("No posts parsed, using sample data", "platform", a.platform, "location", location)
	return a.fallback(location), metrics.SourceFallback
}

func (a *Adapter) useFallback(location, reason string) []*vibe.CandidatePost {
	a.logger.Info("Using sample data", "platform", a.platform, "location", location, "reason", reason)
	metrics.Scrapes.WithLabelValues(string(a.platform), metrics.SourceFallback).Inc()
	return a.fallback(location)
}

// relevant keeps the posts whose text matches the adapter lexicon.
func (a *Adapter) relevant(posts []*vibe.CandidatePost) []*vibe.CandidatePost {
	var kept []*vibe.CandidatePost
	for _, p := range posts {
		if len(lexicon.ExtractKeywords(p.Text, a.lexicon)) > 0 {
			kept = append(kept, p)
		}
	}
	return kept
}

// markupID builds an id for items that expose no stable identifier.
// Ids are unique per adapter and run, not across runs.
func markupID(prefix string, run time.Time, index int) string {
	return fmt.Sprintf("%s_%d_%d", prefix, run.UnixNano(), index)
}

// unixTime converts epoch seconds, falling back to def when absent.
func unixTime(sec int64, def time.Time) time.Time {
	if sec <= 0 {
		return def
	}
	return time.Unix(sec, 0).UTC()
}
