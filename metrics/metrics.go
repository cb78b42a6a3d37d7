// Package metrics exposes Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scrape sources reported by adapters.
const (
	SourceStructured = "structured"
	SourceMarkup     = "markup"
	SourceFallback   = "fallback"
)

// Ingest outcomes per candidate.
const (
	OutcomeInserted   = "inserted"
	OutcomeIrrelevant = "irrelevant"
	OutcomeDuplicate  = "duplicate"
	OutcomeInvalid    = "invalid"
)

var (
	Scrapes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nightvibe_scrapes_total",
		Help: "Adapter scrapes by the layer that produced the result",
	}, []string{"platform", "source"})
	FetchFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nightvibe_fetch_failures_total",
		Help: "Failed fetches that fell back to sample data",
	}, []string{"platform"})
	IngestPosts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nightvibe_ingest_posts_total",
		Help: "Candidates processed by the ingestor, by outcome",
	}, []string{"platform", "outcome"})
	IngestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nightvibe_ingest_errors_total",
		Help: "Ingest calls that failed at the storage layer",
	}, []string{"platform"})
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nightvibe_sweep_duration_seconds",
		Help:    "Duration of scheduled sweeps",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
	CleanupDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nightvibe_cleanup_deleted_total",
		Help: "Posts removed by retention cleanup",
	})
)

func init() {
	prometheus.MustRegister(Scrapes, FetchFailures, IngestPosts, IngestErrors, SweepDuration, CleanupDeleted)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSweep records a sweep duration.
func ObserveSweep(start time.Time) {
	SweepDuration.Observe(time.Since(start).Seconds())
}

// AddIngest adds n candidates with the given outcome for a platform.
func AddIngest(platform, outcome string, n int) {
	if n <= 0 {
		return
	}
	IngestPosts.WithLabelValues(platform, outcome).Add(float64(n))
}
