package email

import (
	"context"
	"log/slog"
	"sync"
)

// Message is an email captured by MockProvider.
type Message struct {
	To      string
	Subject string
	Body    string
}

// MockProvider logs and records emails instead of sending them.
type MockProvider struct {
	logger *slog.Logger
	err    error

	mu   sync.Mutex
	sent []Message
}

// NewMockProvider creates a new mock email provider. A non-nil err is returned from every Send.
func NewMockProvider(logger *slog.Logger, err error) *MockProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockProvider{logger: logger, err: err}
}

// Send records the email.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL", "to", to, "subject", subject, "body_length", len(htmlBody))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, Message{To: to, Subject: subject, Body: htmlBody})
	return m.err
}

// Sent returns the recorded emails.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
