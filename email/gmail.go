package email

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const gmailAttempts = 3

// GmailProvider sends sweep reports via the Gmail API as the authenticated account.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GmailProvider{service: service, logger: logger}
}

// sanitizeEmailHeader drops control characters so a value cannot start a new header line.
func sanitizeEmailHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// rawMessage builds the base64url MIME message users.messages.send expects.
// From is set by Gmail from the authenticated account.
func rawMessage(to, subject, htmlBody string) string {
	headers := []string{
		"MIME-Version: 1.0",
		"To: " + sanitizeEmailHeader(to),
		"Subject: " + sanitizeEmailHeader(subject),
		"Content-Type: text/html; charset=utf-8",
	}
	msg := strings.Join(headers, "\r\n") + "\r\n\r\n" + htmlBody
	return base64.URLEncoding.EncodeToString([]byte(msg))
}

// gmailRetryable keeps retrying throttling, server errors and transport failures.
func gmailRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
	}
	return true
}

// Send sends one message via the Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg := &gmail.Message{Raw: rawMessage(to, subject, htmlBody)}

	return retry.Do(
		func() error {
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("Gmail API send failed", "to", to, "duration_ms", time.Since(start).Milliseconds(), "error", err)
				if !gmailRetryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			g.logger.Info("Sweep report sent", "provider", "gmail", "to", to, "message_id", sent.Id,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(gmailAttempts),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "to", to, "error", err)
		}),
	)
}
