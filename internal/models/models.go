// Package models defines the persisted records shared across RochaTurbo modules.
//
// It includes the webhook dedup ledger, job failure log, contacts and conversation rows.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// WebhookStatus is the processing state of a ledger row.
type WebhookStatus string

const (
	WebhookStatusReceived  WebhookStatus = "received"
	WebhookStatusQueued    WebhookStatus = "queued"
	WebhookStatusProcessed WebhookStatus = "processed"
	WebhookStatusFailed    WebhookStatus = "failed"
	WebhookStatusIgnored   WebhookStatus = "ignored"
)

// Providers recorded in the ledger.
const (
	ProviderWhatsAppInbound = "whatsapp_inbound"
	ProviderWhatsAppStatus  = "whatsapp_status"
)

// Validation constants for ledger input
const (
	// MaxProviderLength bounds the provider column.
	MaxProviderLength = 64
	// MaxEventKeyLength bounds the idempotency key column.
	MaxEventKeyLength = 1024
)

var (
	ErrEmptyProvider    = errors.New("provider cannot be empty")
	ErrProviderTooLong  = errors.New("provider exceeds maximum length")
	ErrEventKeyTooLong  = errors.New("event key exceeds maximum length")
	ErrInvalidStatus    = errors.New("invalid webhook status")
	ErrEmptyPhone       = errors.New("phone cannot be empty")
	ErrInvalidDirection = errors.New("invalid message direction")
	ErrEmptyMessageBody = errors.New("message body cannot be empty")
)

// IsValidWebhookStatus checks if the given status is known.
func IsValidWebhookStatus(s WebhookStatus) bool {
	switch s {
	case WebhookStatusReceived, WebhookStatusQueued, WebhookStatusProcessed, WebhookStatusFailed, WebhookStatusIgnored:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status sets processed_at.
func (s WebhookStatus) Terminal() bool {
	return s == WebhookStatusProcessed || s == WebhookStatusFailed || s == WebhookStatusIgnored
}

// WebhookEvent is a row of the dedup ledger. Rows are never deleted.
type WebhookEvent struct {
	ID          int64             `json:"id"`
	Provider    string            `json:"provider"`
	EventType   string            `json:"event_type"`
	EventKey    *string           `json:"event_key,omitempty"` // nil keys never collide
	Status      WebhookStatus     `json:"status"`
	RetryCount  int               `json:"retry_count"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks the fields required to insert a ledger row.
func (e WebhookEvent) Validate() error {
	if e.Provider == "" {
		return ErrEmptyProvider
	}
	if len(e.Provider) > MaxProviderLength {
		return ErrProviderTooLong
	}
	if e.EventKey != nil && len(*e.EventKey) > MaxEventKeyLength {
		return ErrEventKeyTooLong
	}
	return nil
}

// LogResult is returned when an event is written to the ledger.
type LogResult struct {
	ID             int64         `json:"id"`
	Duplicate      bool          `json:"duplicate"`
	ExistingStatus WebhookStatus `json:"existing_status,omitempty"`
	RetryCount     int           `json:"retry_count"`
}

// StatusUpdate carries the optional parts of a ledger transition.
type StatusUpdate struct {
	Error          string
	IncrementRetry bool
}

// JobFailure records a queue job that exhausted its attempts.
type JobFailure struct {
	ID             int64           `json:"id"`
	Queue          string          `json:"queue"`
	JobName        string          `json:"job_name"`
	JobID          string          `json:"job_id"`
	WebhookEventID *int64          `json:"webhook_event_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Error          string          `json:"error"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Contact is a chat user identified by phone number.
type Contact struct {
	ID        string    `json:"id"`
	Phone     string    `json:"phone"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Direction of a conversation message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ConversationMessage is one logged chat message.
type ConversationMessage struct {
	ID                int64     `json:"id"`
	UserID            string    `json:"user_id"`
	Direction         Direction `json:"direction"`
	Body              string    `json:"body"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	Intent            string    `json:"intent,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks a conversation message before insert.
func (m ConversationMessage) Validate() error {
	if m.Direction != DirectionInbound && m.Direction != DirectionOutbound {
		return ErrInvalidDirection
	}
	if m.Body == "" {
		return ErrEmptyMessageBody
	}
	return nil
}

// StatusEvent is a delivery status reported by the provider for an outbound message.
type StatusEvent struct {
	ID                int64           `json:"id"`
	ExternalMessageID string          `json:"external_message_id"`
	RecipientID       string          `json:"recipient_id"`
	Status            string          `json:"status"`
	OccurredAt        time.Time       `json:"occurred_at"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RetentionResult reports how many rows a retention pass deleted per table.
type RetentionResult struct {
	StatusEvents int64 `json:"status_events"`
	InboundDedup int64 `json:"inbound_dedup"`
	JobFailures  int64 `json:"job_failures"`
}

// AuthState is the step of a contact's WhatsApp authentication.
type AuthState string

const (
	AuthAwaitingCPF   AuthState = "awaiting_cpf"
	AuthAwaitingOTP   AuthState = "awaiting_otp"
	AuthAuthenticated AuthState = "authenticated"
)

// AuthSession tracks the authentication of one contact.
type AuthSession struct {
	UserID string    `json:"user_id"`
	State  AuthState `json:"state"`
	// CPFHash is the keyed hash of the CPF bound to the contact, empty before the CPF step.
	CPFHash string `json:"-"`
	// LastMessageID is the inbound message that last changed the session.
	LastMessageID string    `json:"last_message_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// OTPChallenge is a one-time access code sent over WhatsApp. Only the code hash is stored.
type OTPChallenge struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	CodeHash    string     `json:"-"`
	ExpiresAt   time.Time  `json:"expires_at"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Usable reports whether the challenge can still accept a code at now.
func (c OTPChallenge) Usable(now time.Time) bool {
	return c.ConsumedAt == nil && now.Before(c.ExpiresAt) && c.Attempts < c.MaxAttempts
}
