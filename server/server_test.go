package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"nightvibe/ingest"
	"nightvibe/orchestrator"
	"nightvibe/pkg/vibe"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var testNow = time.Date(2024, time.March, 9, 4, 0, 0, 0, time.UTC)

type fakeRunner struct {
	outcome   orchestrator.Outcome
	outcomes  []orchestrator.Outcome
	report    *orchestrator.SweepReport
	sweepErr  error
	locations []string
	onSweep   func(ctx context.Context) // Runs inside Sweep
}

func (f *fakeRunner) RunPlatform(_ context.Context, platform vibe.Platform, location string) (orchestrator.Outcome, error) {
	f.locations = append(f.locations, location)
	out := f.outcome
	out.Platform = platform
	if out.Location == "" {
		out.Location = location
	}
	return out, nil
}

func (f *fakeRunner) RunAll(_ context.Context, location string) []orchestrator.Outcome {
	f.locations = append(f.locations, location)
	return f.outcomes
}

func (f *fakeRunner) Sweep(ctx context.Context) (*orchestrator.SweepReport, error) {
	if f.onSweep != nil {
		f.onSweep(ctx)
	}
	return f.report, f.sweepErr
}

func (*fakeRunner) Status() orchestrator.Status {
	return orchestrator.Status{Phase: orchestrator.PhaseIdle}
}

type fakeReader struct {
	err   error
	posts []*vibe.StoredPost
	got   vibe.Query
}

func (f *fakeReader) Query(_ context.Context, q vibe.Query) ([]*vibe.StoredPost, error) {
	f.got = q
	return f.posts, f.err
}

func newTestServer(runner Runner, reader Reader) http.Handler {
	return New(&Config{
		Runner:  runner,
		Posts:   reader,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:     func() time.Time { return testNow },
	}).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var got map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			t.Fatalf("decode %s %s response: %v", method, target, err)
		}
	}
	return rec, got
}

func TestScrapePlatform(t *testing.T) {
	runner := &fakeRunner{outcome: orchestrator.Outcome{
		Success: true,
		Result:  &ingest.Result{Scraped: 3, Inserted: 2, Skipped: 1, Duplicates: 1},
	}}
	h := newTestServer(runner, nil)

	rec, got := do(t, h, http.MethodPost, "/scrape/tiktok", `{"location": "Harare"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	want := map[string]any{
		"success":       true,
		"message":       "Successfully scraped and saved 2 TikTok posts",
		"location":      "Harare",
		"scraped_count": float64(3),
		"saved_count":   float64(2),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestScrapePlatformBodyFallsBackToDefault(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", "{location"},
		{"blank location", `{"location": "  "}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{outcome: orchestrator.Outcome{Success: true, Result: &ingest.Result{}}}
			rec, _ := do(t, newTestServer(runner, nil), http.MethodPost, "/scrape/twitter", tt.body)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if diff := cmp.Diff([]string{""}, runner.locations); diff != "" {
				t.Errorf("requested locations mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScrapePlatformErrors(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		outcome    orchestrator.Outcome
		wantStatus int
		wantError  string
	}{
		{
			name:       "unknown platform",
			target:     "/scrape/myspace",
			wantStatus: http.StatusNotFound,
			wantError:  `unknown platform "myspace"`,
		},
		{
			name:       "failed outcome",
			target:     "/scrape/instagram",
			outcome:    orchestrator.Outcome{Error: "ingest: connection refused"},
			wantStatus: http.StatusInternalServerError,
			wantError:  "ingest: connection refused",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := do(t, newTestServer(&fakeRunner{outcome: tt.outcome}, nil), http.MethodPost, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			want := map[string]any{"success": false, "error": tt.wantError}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("response mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestScrapeAll(t *testing.T) {
	runner := &fakeRunner{outcomes: []orchestrator.Outcome{
		{Platform: vibe.Twitter, Location: "Miami, FL", Success: true, Result: &ingest.Result{Scraped: 3, Inserted: 3}},
		{Platform: vibe.Instagram, Location: "Miami, FL", Error: "scrape: blocked"},
	}}
	rec, got := do(t, newTestServer(runner, nil), http.MethodPost, "/scrape", `{"location":"Miami, FL"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got["success"] != false {
		t.Errorf("success = %v, want false with a failed platform", got["success"])
	}
	results, ok := got["results"].([]any)
	if !ok || len(results) != 2 {
		t.Fatalf("results = %v, want 2 entries", got["results"])
	}
	if diff := cmp.Diff([]string{"Miami, FL"}, runner.locations); diff != "" {
		t.Errorf("requested locations mismatch (-want +got):\n%s", diff)
	}
}

func TestSweep(t *testing.T) {
	report := &orchestrator.SweepReport{
		ID:         "sweep-1",
		FinishedAt: testNow,
		Locations: []orchestrator.Outcome{
			{Platform: vibe.Twitter, Location: "A", Success: true, Result: &ingest.Result{}},
			{Platform: vibe.Twitter, Location: "B", Error: "scrape: boom"},
		},
		Cleanup: orchestrator.CleanupOutcome{Ran: true, Error: "table locked"},
	}

	tests := []struct {
		name        string
		runner      *fakeRunner
		wantStatus  int
		wantSuccess bool
	}{
		{"completed with failures", &fakeRunner{report: report}, http.StatusOK, true},
		{"already running", &fakeRunner{sweepErr: orchestrator.ErrSweepRunning}, http.StatusConflict, false},
		{"cancelled", &fakeRunner{report: report, sweepErr: context.Canceled}, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, got := do(t, newTestServer(tt.runner, nil), http.MethodPost, "/sweep", "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if got["success"] != tt.wantSuccess {
				t.Errorf("success = %v, want %v", got["success"], tt.wantSuccess)
			}
			if got["timestamp"] != testNow.Format(time.RFC3339) {
				t.Errorf("timestamp = %v, want %v", got["timestamp"], testNow.Format(time.RFC3339))
			}
			if !tt.wantSuccess {
				return
			}
			if results, ok := got["results"].([]any); !ok || len(results) != 2 {
				t.Errorf("results = %v, want 2 entries", got["results"])
			}
			cleanup, ok := got["cleanup"].(map[string]any)
			if !ok || cleanup["error"] != "table locked" {
				t.Errorf("cleanup = %v, want recorded failure", got["cleanup"])
			}
		})
	}
}

func TestSweepOutlivesClientDisconnect(t *testing.T) {
	reqCtx, disconnect := context.WithCancel(context.Background())
	var sweepErr error
	runner := &fakeRunner{
		report:  &orchestrator.SweepReport{ID: "sweep-2", FinishedAt: testNow},
		onSweep: func(ctx context.Context) {
			disconnect()
			sweepErr = ctx.Err()
		},
	}
	req := httptest.NewRequest(http.MethodPost, "/sweep", http.NoBody).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	newTestServer(runner, nil).ServeHTTP(rec, req)

	if sweepErr != nil {
		t.Errorf("sweep context error = %v after client disconnect, want nil", sweepErr)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestSweepStopsWithServer(t *testing.T) {
	lifetime, shutdown := context.WithCancel(context.Background())
	var sweepErr error
	runner := &fakeRunner{
		report:   &orchestrator.SweepReport{ID: "sweep-3", FinishedAt: testNow, Locations: []orchestrator.Outcome{{Location: "A", NotRun: true}}},
		sweepErr: context.Canceled,
		onSweep:  func(ctx context.Context) {
			shutdown()
			<-ctx.Done()
			sweepErr = ctx.Err()
		},
	}
	s := New(&Config{Runner: runner, Logger: slog.New(slog.NewTextHandler(io.Discard, nil)), Now: func() time.Time { return testNow }})
	s.lifetime = lifetime

	rec, got := do(t, s.Handler(), http.MethodPost, "/sweep", "")
	if !errors.Is(sweepErr, context.Canceled) {
		t.Errorf("sweep context error = %v, want context.Canceled", sweepErr)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if got["sweep_id"] != "sweep-3" || got["success"] != false {
		t.Errorf("response = %v, want partial report for sweep-3", got)
	}
	if results, ok := got["results"].([]any); !ok || len(results) != 1 {
		t.Errorf("results = %v, want the partial outcomes", got["results"])
	}
}

func TestPostsQuery(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		want       vibe.Query
		wantStatus int
	}{
		{"defaults", "/posts", vibe.Query{Limit: DefaultPostLimit}, http.StatusOK},
		{"filters", "/posts?location=harare&platform=TikTok&limit=5", vibe.Query{Location: "harare", Platform: vibe.TikTok, Limit: 5}, http.StatusOK},
		{"limit capped", "/posts?limit=500", vibe.Query{Limit: MaxPostLimit}, http.StatusOK},
		{"bad limit", "/posts?limit=abc", vibe.Query{}, http.StatusBadRequest},
		{"zero limit", "/posts?limit=0", vibe.Query{}, http.StatusBadRequest},
		{"bad platform", "/posts?platform=myspace", vibe.Query{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := &fakeReader{}
			rec, got := do(t, newTestServer(&fakeRunner{}, reader), http.MethodGet, tt.target, "")
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if diff := cmp.Diff(tt.want, reader.got); diff != "" {
				t.Errorf("query mismatch (-want +got):\n%s", diff)
			}
			if tt.wantStatus == http.StatusOK {
				if posts, ok := got["posts"].([]any); !ok || len(posts) != 0 {
					t.Errorf("posts = %v, want empty list", got["posts"])
				}
			}
		})
	}
}

func TestPostsQueryFailure(t *testing.T) {
	reader := &fakeReader{err: errors.New("database is locked")}
	rec, got := do(t, newTestServer(&fakeRunner{}, reader), http.MethodGet, "/posts", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if got["success"] != false {
		t.Errorf("success = %v, want false", got["success"])
	}
}

func TestRoutes(t *testing.T) {
	h := newTestServer(&fakeRunner{}, &fakeReader{})
	tests := []struct {
		method     string
		target     string
		wantStatus int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/metrics", http.StatusOK},
		{http.MethodGet, "/sweep", http.StatusOK},
		{http.MethodGet, "/scrape/twitter", http.StatusMethodNotAllowed},
		{http.MethodPost, "/health", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, nil)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestTriggerRateLimit(t *testing.T) {
	h := New(&Config{
		Runner:       &fakeRunner{outcome: orchestrator.Outcome{Success: true, Result: &ingest.Result{}}},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:          func() time.Time { return testNow },
		TriggerRate:  1,
		TriggerBurst: 2,
	}).Handler()

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/scrape/twitter", nil)
		req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	want := []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}
	if diff := cmp.Diff(want, codes); diff != "" {
		t.Errorf("status codes mismatch (-want +got):\n%s", diff)
	}

	req := httptest.NewRequest(http.MethodPost, "/scrape/twitter", nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.2")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"forwarded", "203.0.113.7, 10.0.0.1", "10.0.0.1:1234", "203.0.113.7"},
		{"remote addr", "", "192.0.2.1:5555", "192.0.2.1"},
		{"ipv6 remote", "", "[2001:db8::1]:443", "2001:db8::1"},
		{"bare remote", "", "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
