package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// LogEvent inserts ev into the ledger unless a row with the same provider and non-null event
// key exists, in which case the existing row is reported as a duplicate.
func (s *sqlDB) LogEvent(ctx context.Context, ev *models.WebhookEvent) (models.LogResult, error) {
	if err := ev.Validate(); err != nil {
		return models.LogResult{}, err
	}
	if ev.Status == "" {
		ev.Status = models.WebhookStatusReceived
	}
	if !models.IsValidWebhookStatus(ev.Status) {
		return models.LogResult{}, models.ErrInvalidStatus
	}
	var headers interface{}
	if len(ev.Headers) > 0 {
		raw, err := json.Marshal(ev.Headers)
		if err != nil {
			return models.LogResult{}, fmt.Errorf("encode webhook headers: %w", err)
		}
		headers = string(raw)
	}
	payload := string(ev.Payload)
	if payload == "" {
		payload = "{}"
	}
	var eventKey interface{}
	if ev.EventKey != nil {
		eventKey = *ev.EventKey
	}

	now := s.now()
	var id int64
	err := s.queryRow(ctx,
		`INSERT INTO webhook_events (provider, event_type, event_key, status, retry_count, payload, headers, received_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
		 ON CONFLICT (provider, event_key) DO NOTHING
		 RETURNING id`,
		ev.Provider, ev.EventType, eventKey, string(ev.Status), payload, headers, now, now,
	).Scan(&id)
	if err == nil {
		ev.ID = id
		ev.ReceivedAt = now
		ev.UpdatedAt = now
		slog.Debug("Store LogEvent inserted", "webhook_event_id", id, "provider", ev.Provider)
		return models.LogResult{ID: id}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		slog.Error("Store LogEvent failed", "error", err, "provider", ev.Provider, "backend", s.dialect)
		return models.LogResult{}, fmt.Errorf("failed to insert webhook event: %w", err)
	}

	// Conflict: report the row that won.
	var existing models.LogResult
	err = s.queryRow(ctx,
		`SELECT id, status, retry_count FROM webhook_events WHERE provider = ? AND event_key = ?`,
		ev.Provider, eventKey,
	).Scan(&existing.ID, &existing.ExistingStatus, &existing.RetryCount)
	if err != nil {
		slog.Error("Store LogEvent duplicate lookup failed", "error", err, "provider", ev.Provider)
		return models.LogResult{}, fmt.Errorf("failed to load existing webhook event: %w", err)
	}
	existing.Duplicate = true
	ev.ID = existing.ID
	slog.Debug("Store LogEvent duplicate", "webhook_event_id", existing.ID, "provider", ev.Provider, "status", existing.ExistingStatus)
	return existing, nil
}

// UpdateEventStatus transitions a ledger row. Terminal statuses stamp processed_at and the
// retry counter is incremented in the same statement when requested.
func (s *sqlDB) UpdateEventStatus(ctx context.Context, id int64, status models.WebhookStatus, upd models.StatusUpdate) error {
	if !models.IsValidWebhookStatus(status) {
		return models.ErrInvalidStatus
	}
	now := s.now()
	var processedAt interface{}
	if status.Terminal() {
		processedAt = now
	}
	increment := 0
	if upd.IncrementRetry {
		increment = 1
	}
	res, err := s.exec(ctx,
		`UPDATE webhook_events SET status = ?, error = ?, retry_count = retry_count + ?,
		 processed_at = COALESCE(?, processed_at), updated_at = ?
		 WHERE id = ?`,
		string(status), nilIfEmpty(upd.Error), increment, processedAt, now, id,
	)
	if err != nil {
		slog.Error("Store UpdateEventStatus failed", "error", err, "webhook_event_id", id, "status", status)
		return fmt.Errorf("failed to update webhook event %d: %w", id, err)
	}
	if err := rowsAffectedOrNotFound(res, "update webhook event"); err != nil {
		return err
	}
	slog.Debug("Store UpdateEventStatus succeeded", "webhook_event_id", id, "status", status, "incrementRetry", upd.IncrementRetry)
	return nil
}

// GetEvent returns one ledger row.
func (s *sqlDB) GetEvent(ctx context.Context, id int64) (*models.WebhookEvent, error) {
	ev, err := scanEvent(s.queryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook event %d: %w", id, err)
	}
	return ev, nil
}

// ListEventsByStatus returns up to limit rows in status, oldest first.
func (s *sqlDB) ListEventsByStatus(ctx context.Context, status models.WebhookStatus, limit int) ([]models.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE status = ? ORDER BY received_at ASC, id ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook events: %w", err)
	}
	defer rows.Close()

	var events []models.WebhookEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate webhook events: %w", err)
	}
	return events, nil
}

// RecordJobFailure appends to the job failure log.
func (s *sqlDB) RecordJobFailure(ctx context.Context, f models.JobFailure) error {
	_, err := s.exec(ctx,
		`INSERT INTO job_failures (queue, job_name, job_id, webhook_event_id, payload, error, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.Queue, f.JobName, f.JobID, f.WebhookEventID, nilIfEmptyJSON(f.Payload), f.Error, f.Attempts, s.now(),
	)
	if err != nil {
		slog.Error("Store RecordJobFailure failed", "error", err, "queue", f.Queue, "job_id", f.JobID)
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	return nil
}

// ListJobFailures returns the latest failures, newest first.
func (s *sqlDB) ListJobFailures(ctx context.Context, limit int) ([]models.JobFailure, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT id, queue, job_name, job_id, webhook_event_id, payload, error, attempts, created_at
		 FROM job_failures ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list job failures: %w", err)
	}
	defer rows.Close()

	var failures []models.JobFailure
	for rows.Next() {
		var f models.JobFailure
		var eventID sql.NullInt64
		var payload []byte
		if err := rows.Scan(&f.ID, &f.Queue, &f.JobName, &f.JobID, &eventID, &payload, &f.Error, &f.Attempts, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job failure: %w", err)
		}
		if eventID.Valid {
			id := eventID.Int64
			f.WebhookEventID = &id
		}
		f.Payload = payload
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
