// Package store provides the DedupRepo interface for inbound message deduplication.
package store

import (
	"context"
	"fmt"
	"time"
)

// DedupRecord represents an inbound message deduplication record.
type DedupRecord struct {
	MessageID   string     `json:"message_id"`
	UserID      string     `json:"user_id"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at"`
}

// DedupRepo defines the interface for per-message inbound deduplication. It complements the
// webhook ledger: one webhook delivery can carry several messages and providers may resend a
// message inside a different delivery.
type DedupRepo interface {
	// IsDuplicate checks if a message ID has already been recorded.
	IsDuplicate(ctx context.Context, messageID string) (bool, error)

	// RecordInbound inserts a new inbound message record. Returns false if the
	// message was already recorded (duplicate).
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)

	// IsProcessed reports whether a recorded message was marked processed.
	IsProcessed(ctx context.Context, messageID string) (bool, error)

	// MarkProcessed sets the processed_at timestamp for a message.
	MarkProcessed(ctx context.Context, messageID string) error
}

// RecordInbound relies on the message_id primary key; a conflicting insert affects no rows.
func (s *sqlDB) RecordInbound(ctx context.Context, messageID, userID string) (bool, error) {
	insert := `INSERT OR IGNORE INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?)`
	if s.dialect == dialectPostgres {
		insert = `INSERT INTO inbound_dedup (message_id, user_id, received_at) VALUES (?, ?, ?) ON CONFLICT (message_id) DO NOTHING`
	}
	res, err := s.exec(ctx, insert, messageID, userID, s.now())
	if err != nil {
		return false, fmt.Errorf("record inbound %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound %s rows affected: %w", messageID, err)
	}
	return n == 1, nil
}

func (s *sqlDB) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	var n int
	if err := s.queryRow(ctx, `SELECT COUNT(*) FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlDB) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM inbound_dedup WHERE message_id = ? AND processed_at IS NOT NULL`, messageID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup processed check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlDB) MarkProcessed(ctx context.Context, messageID string) error {
	_, err := s.exec(ctx, `UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, s.now(), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}
