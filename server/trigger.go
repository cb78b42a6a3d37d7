package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"nightvibe/orchestrator"
	"nightvibe/pkg/vibe"
	"strings"
	"time"
)

const maxTriggerBody = 64 << 10

var platformLabels = map[vibe.Platform]string{
	vibe.Twitter:   "Twitter",
	vibe.Instagram: "Instagram",
	vibe.TikTok:    "TikTok",
}

type scrapeResponse struct {
	Message  string `json:"message"`
	Location string `json:"location"`
	Scraped  int    `json:"scraped_count"`
	Saved    int    `json:"saved_count"`
	Success  bool   `json:"success"`
}

type scrapeAllResponse struct {
	Location string                 `json:"location,omitempty"`
	Results  []orchestrator.Outcome `json:"results"`
	Success  bool                   `json:"success"`
}

type sweepResponse struct {
	Timestamp time.Time                   `json:"timestamp"`
	Message   string                      `json:"message"`
	Error     string                      `json:"error,omitempty"`
	SweepID   string                      `json:"sweep_id"`
	Results   []orchestrator.Outcome      `json:"results"`
	Cleanup   orchestrator.CleanupOutcome `json:"cleanup"`
	Success   bool                        `json:"success"`
}

type sweepErrorResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Success   bool      `json:"success"`
}

// requestedLocation reads {"location": "..."} from the body.
// A missing or unparsable body yields "", which selects the adapter default.
func requestedLocation(r *http.Request) string {
	var body struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBody)).Decode(&body); err != nil {
		return ""
	}
	return strings.TrimSpace(body.Location)
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	platform, err := vibe.ParsePlatform(r.PathValue("platform"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	out, err := s.runner.RunPlatform(r.Context(), platform, requestedLocation(r))
	if errors.Is(err, orchestrator.ErrUnknownPlatform) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("Scrape trigger failed", "platform", platform, "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !out.Success {
		s.writeError(w, http.StatusInternalServerError, out.Error)
		return
	}

	resp := scrapeResponse{Success: true, Location: out.Location}
	if out.Result != nil {
		resp.Scraped = out.Result.Scraped
		resp.Saved = out.Result.Inserted
	}
	resp.Message = fmt.Sprintf("Successfully scraped and saved %d %s posts", resp.Saved, platformLabels[platform])
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleScrapeAll(w http.ResponseWriter, r *http.Request) {
	location := requestedLocation(r)
	outcomes := s.runner.RunAll(r.Context(), location)
	resp := scrapeAllResponse{Location: location, Results: outcomes, Success: true}
	for _, o := range outcomes {
		if !o.Success {
			resp.Success = false
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Sweep endpoint triggered")
	ctx, cancel := s.sweepContext(r)
	defer cancel()

	report, err := s.runner.Sweep(ctx)
	switch {
	case errors.Is(err, orchestrator.ErrSweepRunning):
		s.writeJSON(w, http.StatusConflict, sweepErrorResponse{Error: err.Error(), Timestamp: s.now().UTC()})
		return
	case err != nil && report != nil:
		s.logger.Error("Sweep stopped early", "sweep_id", report.ID, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, sweepResponse{
			Message:   "Scheduled scraper stopped early",
			Error:     err.Error(),
			SweepID:   report.ID,
			Results:   report.Locations,
			Cleanup:   report.Cleanup,
			Timestamp: report.FinishedAt,
		})
		return
	case err != nil:
		s.logger.Error("Sweep failed", "error", err)
		s.writeJSON(w, http.StatusInternalServerError, sweepErrorResponse{Error: err.Error(), Timestamp: s.now().UTC()})
		return
	}

	s.writeJSON(w, http.StatusOK, sweepResponse{
		Success:   true,
		Message:   "Scheduled scraper completed",
		SweepID:   report.ID,
		Results:   report.Locations,
		Cleanup:   report.Cleanup,
		Timestamp: report.FinishedAt,
	})
}

// sweepContext detaches the sweep from the request and ties it to the server lifetime.
func (s *Server) sweepContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	stop := context.AfterFunc(s.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *Server) handleSweepStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.runner.Status())
}
