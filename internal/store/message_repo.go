package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// newContactID returns "u_" followed by 32 hex characters.
func newContactID() string {
	return "u_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// GetContactByPhone returns the contact registered for phone, or nil.
func (s *sqlDB) GetContactByPhone(ctx context.Context, phone string) (*models.Contact, error) {
	var c models.Contact
	var name sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, phone, name, created_at, updated_at FROM contacts WHERE phone = ?`, phone,
	).Scan(&c.ID, &c.Phone, &name, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contact: %w", err)
	}
	c.Name = name.String
	return &c, nil
}

// EnsureContact self-registers phone on first contact. The boolean reports a new registration.
func (s *sqlDB) EnsureContact(ctx context.Context, phone, name string) (*models.Contact, bool, error) {
	if phone == "" {
		return nil, false, models.ErrEmptyPhone
	}
	now := s.now()
	res, err := s.exec(ctx,
		`INSERT INTO contacts (id, phone, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (phone) DO NOTHING`,
		newContactID(), phone, nilIfEmpty(name), now, now,
	)
	if err != nil {
		slog.Error("Store EnsureContact failed", "error", err, "phone", phone)
		return nil, false, fmt.Errorf("failed to register contact: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("register contact rows affected: %w", err)
	}
	c, err := s.GetContactByPhone(ctx, phone)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, fmt.Errorf("contact %s vanished after insert", phone)
	}
	if n > 0 {
		slog.Info("Store EnsureContact registered new contact", "user_id", c.ID)
	}
	return c, n > 0, nil
}

// AppendMessage logs a chat message and fills its ID.
func (s *sqlDB) AppendMessage(ctx context.Context, m *models.ConversationMessage) error {
	if err := m.Validate(); err != nil {
		return err
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	err := s.queryRow(ctx,
		`INSERT INTO conversation_messages (user_id, direction, body, external_message_id, intent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		m.UserID, string(m.Direction), m.Body, nilIfEmpty(m.ExternalMessageID), nilIfEmpty(m.Intent), m.CreatedAt.UTC(),
	).Scan(&m.ID)
	if err != nil {
		slog.Error("Store AppendMessage failed", "error", err, "user_id", m.UserID, "direction", m.Direction)
		return fmt.Errorf("failed to log conversation message: %w", err)
	}
	return nil
}

// RecentMessages returns the latest limit messages of userID in chronological order.
func (s *sqlDB) RecentMessages(ctx context.Context, userID string, limit int) ([]models.ConversationMessage, error) {
	if limit <= 0 {
		limit = 8
	}
	rows, err := s.query(ctx,
		`SELECT id, user_id, direction, body, external_message_id, intent, created_at
		 FROM conversation_messages WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	var msgs []models.ConversationMessage
	for rows.Next() {
		var m models.ConversationMessage
		var externalID, intent sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Direction, &m.Body, &externalID, &intent, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation message: %w", err)
		}
		m.ExternalMessageID = externalID.String
		m.Intent = intent.String
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conversation: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// AppendStatusEvent stores a delivery status callback.
func (s *sqlDB) AppendStatusEvent(ctx context.Context, ev *models.StatusEvent) error {
	ev.CreatedAt = s.now()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = ev.CreatedAt
	}
	err := s.queryRow(ctx,
		`INSERT INTO message_status_events (external_message_id, recipient_id, status, occurred_at, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		ev.ExternalMessageID, nilIfEmpty(ev.RecipientID), ev.Status, ev.OccurredAt.UTC(), nilIfEmptyJSON(ev.Payload), ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		slog.Error("Store AppendStatusEvent failed", "error", err, "external_message_id", ev.ExternalMessageID)
		return fmt.Errorf("failed to store status event: %w", err)
	}
	return nil
}

// PurgeBefore deletes operational rows older than cutoff. Webhook events and flow instances
// are kept as the audit trail.
func (s *sqlDB) PurgeBefore(ctx context.Context, cutoff time.Time) (models.RetentionResult, error) {
	var out models.RetentionResult
	cutoff = cutoff.UTC()
	steps := []struct {
		query string
		dest  *int64
	}{
		{`DELETE FROM message_status_events WHERE created_at < ?`, &out.StatusEvents},
		{`DELETE FROM inbound_dedup WHERE received_at < ?`, &out.InboundDedup},
		{`DELETE FROM job_failures WHERE created_at < ?`, &out.JobFailures},
	}
	for _, step := range steps {
		res, err := s.exec(ctx, step.query, cutoff)
		if err != nil {
			slog.Error("Store PurgeBefore failed", "error", err, "query", step.query)
			return out, fmt.Errorf("retention purge failed: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return out, fmt.Errorf("retention rows affected: %w", err)
		}
		*step.dest = n
	}
	slog.Info("Store PurgeBefore completed", "cutoff", cutoff, "statusEvents", out.StatusEvents,
		"inboundDedup", out.InboundDedup, "jobFailures", out.JobFailures)
	return out, nil
}
