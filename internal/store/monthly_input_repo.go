package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

const monthlyInputColumns = `user_id, month_ref, source, input, is_final, created_at, updated_at`

func scanMonthlyInput(row rowScanner) (*models.MonthlyInput, error) {
	var in models.MonthlyInput
	var doc []byte
	if err := row.Scan(&in.UserID, &in.MonthRef, &in.Source, &doc, &in.IsFinal, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := answers.ParseObject(doc)
	if err != nil {
		return nil, fmt.Errorf("decode monthly input %s/%s: %w", in.UserID, in.MonthRef, err)
	}
	in.Input = parsed
	return &in, nil
}

// GetMonthlyInput returns the saved input of userID for monthRef, or nil.
func (s *sqlDB) GetMonthlyInput(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error) {
	in, err := scanMonthlyInput(s.queryRow(ctx,
		`SELECT `+monthlyInputColumns+` FROM monthly_inputs WHERE user_id = ? AND month_ref = ?`,
		userID, monthRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load monthly input: %w", err)
	}
	return in, nil
}

// LatestMonthlyInputBefore returns the most recent input saved for a month before monthRef, or nil.
func (s *sqlDB) LatestMonthlyInputBefore(ctx context.Context, userID, monthRef string) (*models.MonthlyInput, error) {
	in, err := scanMonthlyInput(s.queryRow(ctx,
		`SELECT `+monthlyInputColumns+` FROM monthly_inputs WHERE user_id = ? AND month_ref < ?
		 ORDER BY month_ref DESC LIMIT 1`,
		userID, monthRef))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous monthly input: %w", err)
	}
	return in, nil
}

// UpsertMonthlyInput replaces the document of (user, month).
func (s *sqlDB) UpsertMonthlyInput(ctx context.Context, in models.MonthlyInput) error {
	doc, err := json.Marshal(in.Input)
	if err != nil {
		return fmt.Errorf("encode monthly input: %w", err)
	}
	now := s.now()
	_, err = s.exec(ctx,
		`INSERT INTO monthly_inputs (`+monthlyInputColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, month_ref) DO UPDATE SET
		   source = excluded.source, input = excluded.input, is_final = excluded.is_final, updated_at = excluded.updated_at`,
		in.UserID, in.MonthRef, in.Source, string(doc), in.IsFinal, now, now,
	)
	if err != nil {
		slog.Error("Store UpsertMonthlyInput failed", "error", err, "userID", in.UserID, "monthRef", in.MonthRef)
		return fmt.Errorf("failed to upsert monthly input: %w", err)
	}
	slog.Debug("Store UpsertMonthlyInput succeeded", "userID", in.UserID, "monthRef", in.MonthRef, "final", in.IsFinal)
	return nil
}
