// Package email sends sweep report alerts through pluggable providers.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"nightvibe/orchestrator"
	"strings"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Config holds sender configuration.
type Config struct {
	Provider Provider
	Logger   *slog.Logger
	To       []string
	Always   bool // Send every report, not just those with failures
}

// Sender emails sweep reports to operators.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	to       []string
	always   bool
}

// New creates a new email sender with the given provider.
func New(cfg *Config) *Sender {
	s := &Sender{
		provider: cfg.Provider,
		logger:   cfg.Logger,
		always:   cfg.Always,
	}
	for _, addr := range cfg.To {
		if addr = strings.TrimSpace(addr); addr != "" {
			s.to = append(s.to, addr)
		}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// needsAlert reports whether any location or the cleanup step did not succeed.
func needsAlert(r *orchestrator.SweepReport) bool {
	if !r.Cleanup.Success {
		return true
	}
	for _, o := range r.Locations {
		if !o.Success {
			return true
		}
	}
	return false
}

// SendSweepReport emails a summary of r to every recipient.
// Clean sweeps are skipped unless the sender is configured to always send.
func (s *Sender) SendSweepReport(ctx context.Context, r *orchestrator.SweepReport) error {
	if r == nil || len(s.to) == 0 {
		return nil
	}
	if !s.always && !needsAlert(r) {
		s.logger.Debug("Sweep clean, skipping report email", "sweep_id", r.ID)
		return nil
	}

	subject := fmt.Sprintf("Sweep %s: %d/%d locations succeeded", r.Platform, r.Succeeded(), len(r.Locations))
	body := formatSweepReport(r)

	s.logger.Info("Sending sweep report email",
		"sweep_id", r.ID,
		"recipients", len(s.to),
		"subject", subject)

	var errs []error
	for _, to := range s.to {
		if err := s.provider.Send(ctx, to, subject, body); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", to, err))
		}
	}
	return errors.Join(errs...)
}
