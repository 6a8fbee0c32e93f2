package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// CreateFlow inserts a new active flow instance.
func (s *sqlDB) CreateFlow(ctx context.Context, f *models.FlowInstance) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Status == "" {
		f.Status = models.FlowStatusActive
	}
	now := s.now()
	f.Version = 1
	f.CreatedAt = now
	f.UpdatedAt = now

	answersJSON, contextJSON, err := encodeFlowDocs(f)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO chat_flows (`+flowColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.UserID, string(f.FlowType), string(f.Status), nilIfEmpty(f.MonthRef), f.StepKey,
		answersJSON, contextJSON, nilIfEmpty(f.LastExternalMessageID), f.Version, now, now,
		f.CompletedAt, f.CanceledAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			slog.Debug("Store CreateFlow: user already has an active flow", "userID", f.UserID)
			return ErrActiveFlowExists
		}
		slog.Error("Store CreateFlow failed", "error", err, "userID", f.UserID, "backend", s.dialect)
		return fmt.Errorf("failed to insert flow for %s: %w", f.UserID, err)
	}
	slog.Debug("Store CreateFlow succeeded", "flowID", f.ID, "userID", f.UserID, "flowType", f.FlowType)
	return nil
}

// UpdateFlow writes f with an optimistic version check against the active row.
func (s *sqlDB) UpdateFlow(ctx context.Context, f *models.FlowInstance) error {
	answersJSON, contextJSON, err := encodeFlowDocs(f)
	if err != nil {
		return err
	}
	now := s.now()
	res, err := s.exec(ctx,
		`UPDATE chat_flows SET status = ?, month_ref = ?, step_key = ?, answers = ?, context = ?,
		 last_external_message_id = ?, version = version + 1, updated_at = ?, completed_at = ?, canceled_at = ?
		 WHERE id = ? AND version = ? AND status = 'active'`,
		string(f.Status), nilIfEmpty(f.MonthRef), f.StepKey, answersJSON, contextJSON,
		nilIfEmpty(f.LastExternalMessageID), now, f.CompletedAt, f.CanceledAt,
		f.ID, f.Version,
	)
	if err != nil {
		slog.Error("Store UpdateFlow failed", "error", err, "flowID", f.ID, "backend", s.dialect)
		return fmt.Errorf("failed to update flow %s: %w", f.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update flow rows affected: %w", err)
	}
	if n == 0 {
		slog.Debug("Store UpdateFlow: stale version", "flowID", f.ID, "version", f.Version)
		return ErrVersionConflict
	}
	f.Version++
	f.UpdatedAt = now
	return nil
}

// GetActiveFlow returns the active instance of userID or nil.
func (s *sqlDB) GetActiveFlow(ctx context.Context, userID string) (*models.FlowInstance, error) {
	f, err := scanFlow(s.queryRow(ctx,
		`SELECT `+flowColumns+` FROM chat_flows WHERE user_id = ? AND status = 'active'`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("Store GetActiveFlow failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load active flow for %s: %w", userID, err)
	}
	return f, nil
}

// GetFlow returns one instance by id.
func (s *sqlDB) GetFlow(ctx context.Context, id string) (*models.FlowInstance, error) {
	f, err := scanFlow(s.queryRow(ctx, `SELECT `+flowColumns+` FROM chat_flows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow %s: %w", id, err)
	}
	return f, nil
}

// ListFlows returns the latest instances of userID, newest first.
func (s *sqlDB) ListFlows(ctx context.Context, userID string, limit int) ([]models.FlowInstance, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT `+flowColumns+` FROM chat_flows WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows for %s: %w", userID, err)
	}
	defer rows.Close()

	var flows []models.FlowInstance
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

// CancelFlow terminates an active instance with reason.
func (s *sqlDB) CancelFlow(ctx context.Context, id, reason string) (*models.FlowInstance, error) {
	f, err := s.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status.Terminal() {
		return nil, ErrFlowNotActive
	}
	now := s.now()
	f.Status = models.FlowStatusCanceled
	f.CanceledAt = &now
	f.Context.CanceledReason = reason
	if err := s.UpdateFlow(ctx, f); err != nil {
		return nil, err
	}
	slog.Info("Store CancelFlow succeeded", "flowID", id, "userID", f.UserID, "reason", reason)
	return f, nil
}

func encodeFlowDocs(f *models.FlowInstance) (string, string, error) {
	answersJSON, err := json.Marshal(f.Answers)
	if err != nil {
		return "", "", fmt.Errorf("encode answers of flow %s: %w", f.ID, err)
	}
	contextJSON, err := json.Marshal(f.Context)
	if err != nil {
		return "", "", fmt.Errorf("encode context of flow %s: %w", f.ID, err)
	}
	return string(answersJSON), string(contextJSON), nil
}
