package orchestrator

import (
	"context"
	"errors"
	"nightvibe/metrics"
	"time"

	"github.com/google/uuid"
)

// Phase is the sweep lifecycle state.
type Phase string

// Sweep phases.
const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseCleaning Phase = "cleaning"
	PhaseDone     Phase = "done"
)

// Status is a snapshot of sweep progress.
type Status struct {
	StartedAt time.Time    `json:"started_at,omitzero"`
	Last      *SweepReport `json:"last,omitempty"`
	Phase     Phase        `json:"phase"`
	SweepID   string       `json:"sweep_id,omitempty"`
	Location  string       `json:"location,omitempty"`
	Index     int          `json:"index"`
	Total     int          `json:"total"`
}

// Status returns the current sweep state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

func (o *Orchestrator) begin(id string, started time.Time, total int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.Phase == PhaseRunning || o.status.Phase == PhaseCleaning {
		return false
	}
	o.status = Status{
		Phase:     PhaseRunning,
		SweepID:   id,
		StartedAt: started,
		Total:     total,
		Last:      o.status.Last,
	}
	return true
}

func (o *Orchestrator) advance(i int, location string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Index = i
	o.status.Location = location
}

func (o *Orchestrator) setPhase(p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Phase = p
	o.status.Location = ""
}

func (o *Orchestrator) finish(r *SweepReport) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Phase = PhaseDone
	o.status.Location = ""
	o.status.Last = r
}

// Sweep runs the sweep platform for each configured city in order, pausing between cities,
// then deletes posts older than the retention window.
// A failing city is recorded and the sweep moves on. A cleanup failure is recorded
// without failing the sweep. If ctx is cancelled between cities, the remaining cities
// are recorded as not run, cleanup is skipped, and the partial report is returned with ctx's error.
func (o *Orchestrator) Sweep(ctx context.Context) (*SweepReport, error) {
	start := o.now()
	report := &SweepReport{
		ID:        uuid.New().String(),
		StartedAt: start.UTC(),
		Platform:  o.sweepPlatform,
		Locations: make([]Outcome, 0, len(o.cities)),
	}
	if !o.begin(report.ID, report.StartedAt, len(o.cities)) {
		return nil, ErrSweepRunning
	}
	defer metrics.ObserveSweep(time.Now())

	a, ok := o.adapters[o.sweepPlatform]
	if !ok {
		o.finish(report)
		return report, ErrUnknownPlatform
	}

	o.logger.Info("Sweep starting", "sweep_id", report.ID, "platform", o.sweepPlatform, "locations", len(o.cities))

	var stopErr error
	for i, city := range o.cities {
		if i > 0 {
			stopErr = o.pause(ctx)
		} else {
			stopErr = ctx.Err()
		}
		if stopErr != nil {
			o.logger.Info("Sweep stopped", "sweep_id", report.ID, "remaining", len(o.cities)-i, "error", stopErr)
			for _, rest := range o.cities[i:] {
				report.Locations = append(report.Locations, Outcome{
					Platform: o.sweepPlatform,
					Location: rest,
					NotRun:   true,
					Error:    "sweep cancelled",
				})
			}
			break
		}

		o.advance(i, city)
		out := o.run(ctx, a, city)
		if !out.Success {
			o.logger.Warn("Sweep location failed", "sweep_id", report.ID, "location", city, "error", out.Error)
		}
		report.Locations = append(report.Locations, out)
	}

	if stopErr != nil {
		report.Cleanup = CleanupOutcome{Error: "skipped: sweep cancelled"}
	} else {
		o.setPhase(PhaseCleaning)
		report.Cleanup = o.cleanup(ctx)
	}
	report.FinishedAt = o.now().UTC()
	o.finish(report)

	o.logger.Info("Sweep complete",
		"sweep_id", report.ID,
		"succeeded", report.Succeeded(),
		"locations", len(report.Locations),
		"deleted", report.Cleanup.Deleted,
		"duration", report.FinishedAt.Sub(report.StartedAt))
	o.notify(ctx, report)
	return report, stopErr
}

// notify runs even when ctx is cancelled so a stopped sweep is still reported.
func (o *Orchestrator) notify(ctx context.Context, r *SweepReport) {
	if o.notifier == nil {
		return
	}
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()
	if err := o.notifier.SendSweepReport(nctx, r); err != nil {
		o.logger.Warn("Failed to send sweep report", "sweep_id", r.ID, "error", err)
	}
}

func (o *Orchestrator) pause(ctx context.Context) error {
	if o.pacing <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(o.pacing)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (o *Orchestrator) cleanup(ctx context.Context) CleanupOutcome {
	cutoff := o.now().Add(-o.retention).UTC()
	out := CleanupOutcome{Cutoff: cutoff, Ran: true}
	if o.cleaner == nil {
		out.Error = "no cleaner configured"
		o.logger.Warn("Skipping cleanup", "reason", out.Error)
		return out
	}
	n, err := o.cleaner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		o.logger.Error("Cleanup failed", "cutoff", cutoff, "error", err)
		out.Error = err.Error()
		return out
	}
	metrics.CleanupDeleted.Add(float64(n))
	o.logger.Info("Cleanup complete", "cutoff", cutoff, "deleted", n)
	out.Success = true
	out.Deleted = n
	return out
}

// RunLoop sweeps immediately and then on every interval until ctx is cancelled.
func (o *Orchestrator) RunLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		o.logger.Info("Scheduled sweeps disabled")
		return
	}
	o.logger.Info("Starting sweep loop", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := o.Sweep(ctx); err != nil {
			switch {
			case errors.Is(err, ErrSweepRunning):
				o.logger.Info("Sweep already in progress, skipping tick")
			case ctx.Err() != nil:
			default:
				o.logger.Error("Sweep failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			o.logger.Info("Sweep loop stopped")
			return
		case <-ticker.C:
		}
	}
}
