// Package ingest filters, scores and deduplicates candidate posts before persisting them.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/lexicon"
	"nightvibe/metrics"
	"nightvibe/pkg/vibe"
	"nightvibe/storage"
	"time"
)

// Store is the subset of storage the ingestor needs.
type Store interface {
	Exists(ctx context.Context, platform vibe.Platform, externalID string) (bool, error)
	InsertMany(ctx context.Context, posts []*vibe.StoredPost) (int, error)
}

// Result summarizes one ingest call.
type Result struct {
	Scraped    int `json:"scraped_count"`
	Inserted   int `json:"saved_count"`
	Skipped    int `json:"skipped_count"`
	Irrelevant int `json:"irrelevant_count"`
	Duplicates int `json:"duplicate_count"`
	Invalid    int `json:"invalid_count"`
}

// Config holds ingestor configuration.
type Config struct {
	Store    Store
	Scorer   *lexicon.Scorer
	Lexicons map[vibe.Platform]lexicon.Lexicon
	Logger   *slog.Logger
	Now      func() time.Time
}

// Ingestor turns candidates into stored posts.
type Ingestor struct {
	store    Store
	scorer   *lexicon.Scorer
	lexicons map[vibe.Platform]lexicon.Lexicon
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a new ingestor. Platforms without a configured lexicon use the defaults.
func New(cfg *Config) *Ingestor {
	in := &Ingestor{
		store:  cfg.Store,
		scorer: cfg.Scorer,
		logger: cfg.Logger,
		now:    cfg.Now,
		lexicons: map[vibe.Platform]lexicon.Lexicon{
			vibe.Twitter:   lexicon.TwitterKeywords,
			vibe.Instagram: lexicon.InstagramKeywords,
			vibe.TikTok:    lexicon.TikTokKeywords,
		},
	}
	for p, lex := range cfg.Lexicons {
		if len(lex) > 0 {
			in.lexicons[p] = lex
		}
	}
	if in.scorer == nil {
		in.scorer = lexicon.NewScorer(lexicon.PartyEmojis)
	}
	if in.logger == nil {
		in.logger = slog.Default()
	}
	if in.now == nil {
		in.now = time.Now
	}
	return in
}

// insertEach stores posts individually so one conflicting row cannot drop the rest.
func (in *Ingestor) insertEach(ctx context.Context, batch []*vibe.StoredPost) (int, error) {
	inserted := 0
	for _, p := range batch {
		n, err := in.store.InsertMany(ctx, []*vibe.StoredPost{p})
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

// Ingest filters candidates for relevance, scores them, drops duplicates and stores the rest in one batch.
// Rows rejected by the uniqueness constraint count as duplicates. Other storage failures are returned.
func (in *Ingestor) Ingest(ctx context.Context, platform vibe.Platform, candidates []*vibe.CandidatePost) (*Result, error) {
	res := &Result{Scraped: len(candidates)}
	lex, ok := in.lexicons[platform]
	if !ok {
		return res, fmt.Errorf("no lexicon for platform %q", platform)
	}

	now := in.now().UTC()
	staged := make(map[string]bool, len(candidates))
	var batch []*vibe.StoredPost

	for _, c := range candidates {
		if c == nil {
			res.Invalid++
			continue
		}
		cp := *c
		cp.Normalize()
		if cp.ExternalID == "" {
			in.logger.Debug("Skipping candidate without id", "platform", platform, "username", cp.Username)
			res.Invalid++
			continue
		}

		keywords := lexicon.ExtractKeywords(cp.Text, lex)
		if len(keywords) == 0 {
			in.logger.Debug("Skipping irrelevant candidate", "platform", platform, "external_id", cp.ExternalID)
			res.Irrelevant++
			continue
		}

		key := vibe.DedupKey(platform, cp.ExternalID)
		if staged[key] {
			res.Duplicates++
			continue
		}
		exists, err := in.store.Exists(ctx, platform, cp.ExternalID)
		if err != nil {
			metrics.IngestErrors.WithLabelValues(string(platform)).Inc()
			return res, fmt.Errorf("check existing post: %w", err)
		}
		if exists {
			in.logger.Debug("Skipping stored candidate", "platform", platform, "external_id", cp.ExternalID)
			res.Duplicates++
			continue
		}

		staged[key] = true
		ts := cp.CreatedAt
		if ts.IsZero() {
			ts = now
		}
		batch = append(batch, &vibe.StoredPost{
			Platform:   platform,
			ExternalID: cp.ExternalID,
			Username:   cp.Username,
			Caption:    cp.Text,
			MediaURL:   cp.MediaURL,
			Location:   cp.Location,
			PostURL:    vibe.PostURL(platform, cp.Username, cp.ExternalID),
			Keywords:   keywords,
			Likes:      cp.Likes,
			VibeScore:  in.scorer.Score(cp.Text, cp.Likes),
			Timestamp:  ts,
			CreatedAt:  now,
		})
	}

	if len(batch) > 0 {
		n, err := in.store.InsertMany(ctx, batch)
		if errors.Is(err, storage.ErrDuplicate) {
			in.logger.Info("Batch rejected as duplicate, inserting rows one by one", "platform", platform, "batch_size", len(batch))
			n, err = in.insertEach(ctx, batch)
		}
		if err != nil {
			metrics.IngestErrors.WithLabelValues(string(platform)).Inc()
			return res, fmt.Errorf("insert posts: %w", err)
		}
		res.Inserted = n
		res.Duplicates += len(batch) - n
	}

	res.Skipped = res.Irrelevant + res.Duplicates + res.Invalid
	p := string(platform)
	metrics.AddIngest(p, metrics.OutcomeInserted, res.Inserted)
	metrics.AddIngest(p, metrics.OutcomeIrrelevant, res.Irrelevant)
	metrics.AddIngest(p, metrics.OutcomeDuplicate, res.Duplicates)
	metrics.AddIngest(p, metrics.OutcomeInvalid, res.Invalid)

	in.logger.Info("Ingest complete",
		"platform", platform,
		"scraped", res.Scraped,
		"inserted", res.Inserted,
		"skipped", res.Skipped,
		"irrelevant", res.Irrelevant,
		"duplicates", res.Duplicates,
		"invalid", res.Invalid)
	return res, nil
}
