package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetricsExposure(t *testing.T) {
	Scrapes.WithLabelValues("tiktok", SourceFallback).Inc()
	FetchFailures.WithLabelValues("tiktok").Inc()
	AddIngest("tiktok", OutcomeInserted, 2)
	AddIngest("tiktok", OutcomeDuplicate, 0)
	IngestErrors.WithLabelValues("tiktok").Inc()
	CleanupDeleted.Add(3)
	ObserveSweep(time.Now().Add(-1500 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status: %d", rec.Code)
	}

	body := rec.Body.String()
	for _, m := range []string{
		`nightvibe_scrapes_total{platform="tiktok",source="fallback"}`,
		`nightvibe_fetch_failures_total{platform="tiktok"}`,
		`nightvibe_ingest_posts_total{outcome="inserted",platform="tiktok"} 2`,
		`nightvibe_ingest_errors_total{platform="tiktok"}`,
		"nightvibe_sweep_duration_seconds",
		"nightvibe_cleanup_deleted_total",
	} {
		if !strings.Contains(body, m) {
			t.Errorf("expected %s in metrics body", m)
		}
	}
	if strings.Contains(body, `outcome="duplicate",platform="tiktok"`) {
		t.Error("AddIngest with zero count should not create a series")
	}
}
