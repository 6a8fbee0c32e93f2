package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// ErrCPFInUse is returned when a CPF is already bound to another contact.
var ErrCPFInUse = errors.New("cpf already bound to another contact")

// AuthRepo persists WhatsApp authentication sessions and one-time codes.
type AuthRepo interface {
	// GetAuthSession returns the session of userID, or nil when the contact never wrote.
	GetAuthSession(ctx context.Context, userID string) (*models.AuthSession, error)
	// SaveAuthSession inserts or replaces the session of s.UserID. A CPF hash bound to another
	// contact fails with ErrCPFInUse.
	SaveAuthSession(ctx context.Context, s *models.AuthSession) error
	// CreateOTPChallenge stores c and fills its ID.
	CreateOTPChallenge(ctx context.Context, c *models.OTPChallenge) error
	// LatestOTPChallenge returns the newest unconsumed challenge of userID, or nil.
	LatestOTPChallenge(ctx context.Context, userID string) (*models.OTPChallenge, error)
	IncrementOTPAttempts(ctx context.Context, id int64) error
	ConsumeOTPChallenge(ctx context.Context, id int64) error
}

func (s *sqlDB) GetAuthSession(ctx context.Context, userID string) (*models.AuthSession, error) {
	var a models.AuthSession
	var cpfHash, lastMessageID sql.NullString
	err := s.queryRow(ctx,
		`SELECT user_id, state, cpf_hash, last_message_id, updated_at FROM auth_sessions WHERE user_id = ?`, userID,
	).Scan(&a.UserID, &a.State, &cpfHash, &lastMessageID, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load auth session: %w", err)
	}
	a.CPFHash = cpfHash.String
	a.LastMessageID = lastMessageID.String
	return &a, nil
}

func (s *sqlDB) SaveAuthSession(ctx context.Context, a *models.AuthSession) error {
	a.UpdatedAt = s.now()
	_, err := s.exec(ctx,
		`INSERT INTO auth_sessions (user_id, state, cpf_hash, last_message_id, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET state = excluded.state, cpf_hash = excluded.cpf_hash,
		 last_message_id = excluded.last_message_id, updated_at = excluded.updated_at`,
		a.UserID, string(a.State), nilIfEmpty(a.CPFHash), nilIfEmpty(a.LastMessageID), a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrCPFInUse
	}
	if err != nil {
		slog.Error("Store SaveAuthSession failed", "error", err, "user_id", a.UserID, "state", a.State)
		return fmt.Errorf("failed to save auth session: %w", err)
	}
	return nil
}

func (s *sqlDB) CreateOTPChallenge(ctx context.Context, c *models.OTPChallenge) error {
	c.CreatedAt = s.now()
	err := s.queryRow(ctx,
		`INSERT INTO otp_challenges (user_id, code_hash, expires_at, attempt_count, max_attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		c.UserID, c.CodeHash, c.ExpiresAt.UTC(), c.Attempts, c.MaxAttempts, c.CreatedAt,
	).Scan(&c.ID)
	if err != nil {
		slog.Error("Store CreateOTPChallenge failed", "error", err, "user_id", c.UserID)
		return fmt.Errorf("failed to create otp challenge: %w", err)
	}
	return nil
}

func (s *sqlDB) LatestOTPChallenge(ctx context.Context, userID string) (*models.OTPChallenge, error) {
	var c models.OTPChallenge
	var consumedAt sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, user_id, code_hash, expires_at, attempt_count, max_attempts, consumed_at, created_at
		 FROM otp_challenges WHERE user_id = ? AND consumed_at IS NULL ORDER BY id DESC LIMIT 1`, userID,
	).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.ExpiresAt, &c.Attempts, &c.MaxAttempts, &consumedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load otp challenge: %w", err)
	}
	if consumedAt.Valid {
		c.ConsumedAt = &consumedAt.Time
	}
	return &c, nil
}

func (s *sqlDB) IncrementOTPAttempts(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `UPDATE otp_challenges SET attempt_count = attempt_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to count otp attempt: %w", err)
	}
	return rowsAffectedOrNotFound(res, "count otp attempt")
}

// ConsumeOTPChallenge marks the challenge used. A challenge consumed concurrently reports
// ErrNotFound so a code is accepted once.
func (s *sqlDB) ConsumeOTPChallenge(ctx context.Context, id int64) error {
	res, err := s.exec(ctx,
		`UPDATE otp_challenges SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, s.now(), id)
	if err != nil {
		return fmt.Errorf("failed to consume otp challenge: %w", err)
	}
	return rowsAffectedOrNotFound(res, "consume otp challenge")
}
