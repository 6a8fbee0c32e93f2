// Package messaging delivers outbound WhatsApp text messages.
//
// Two Sender implementations exist: CloudSender talks to the WhatsApp Cloud API and
// TwilioSender goes through Twilio. Both canonicalize the recipient and record the
// outbound_messages_total metric.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/rochaturbo/RochaTurbo/internal/metrics"
)

// Sender sends a text message to a WhatsApp address.
type Sender interface {
	// Name identifies the provider in logs and metrics.
	Name() string
	SendText(ctx context.Context, to, body string) error
}

var nonDigit = regexp.MustCompile(`\D`)

// minRecipientDigits is the shortest number accepted as a recipient.
const minRecipientDigits = 6

// CanonicalRecipient strips everything but digits from recipient and validates the result.
func CanonicalRecipient(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := nonDigit.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < minRecipientDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, minRecipientDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalRecipient canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

func observe(provider string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	metrics.OutboundMessages.WithLabelValues(provider, result).Inc()
}

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages instead of delivering them.
type MockSender struct {
	mu   sync.Mutex
	sent []SentMessage
	// Err, when set, fails every send.
	Err error
}

func NewMockSender() *MockSender {
	return &MockSender{}
}

func (m *MockSender) Name() string { return "mock" }

func (m *MockSender) SendText(_ context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockSender) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
