package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfEmptyJSON returns nil for an empty raw document.
func nilIfEmptyJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

const jobColumns = `id, queue, name, run_at, payload_json, status, attempt, max_attempts, last_error, locked_at, created_at, updated_at`

// scanJob scans a Job from a row.
func scanJob(row rowScanner) (Job, error) {
	var j Job
	var lastError sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Queue, &j.Name, &j.RunAt, &j.PayloadJSON, &j.Status, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.LastError = lastError.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

const flowColumns = `id, user_id, flow_type, status, month_ref, step_key, answers, context, last_external_message_id, version, created_at, updated_at, completed_at, canceled_at`

// scanFlow scans a FlowInstance and decodes its JSON documents.
func scanFlow(row rowScanner) (*models.FlowInstance, error) {
	var f models.FlowInstance
	var monthRef, lastMessageID sql.NullString
	var answersJSON, contextJSON []byte
	var completedAt, canceledAt sql.NullTime
	err := row.Scan(
		&f.ID, &f.UserID, &f.FlowType, &f.Status, &monthRef, &f.StepKey, &answersJSON, &contextJSON,
		&lastMessageID, &f.Version, &f.CreatedAt, &f.UpdatedAt, &completedAt, &canceledAt,
	)
	if err != nil {
		return nil, err
	}
	f.MonthRef = monthRef.String
	f.LastExternalMessageID = lastMessageID.String
	if f.Answers, err = answers.ParseObject(answersJSON); err != nil {
		return nil, fmt.Errorf("decode answers of flow %s: %w", f.ID, err)
	}
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &f.Context); err != nil {
			return nil, fmt.Errorf("decode context of flow %s: %w", f.ID, err)
		}
	}
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	if canceledAt.Valid {
		f.CanceledAt = &canceledAt.Time
	}
	return &f, nil
}

const eventColumns = `id, provider, event_type, event_key, status, retry_count, payload, headers, error, received_at, processed_at, updated_at`

// scanEvent scans a WebhookEvent ledger row.
func scanEvent(row rowScanner) (*models.WebhookEvent, error) {
	var e models.WebhookEvent
	var eventKey, errText sql.NullString
	var payload, headers []byte
	var processedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.Provider, &e.EventType, &eventKey, &e.Status, &e.RetryCount, &payload, &headers,
		&errText, &e.ReceivedAt, &processedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if eventKey.Valid {
		key := eventKey.String
		e.EventKey = &key
	}
	e.Payload = json.RawMessage(payload)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("decode headers of event %d: %w", e.ID, err)
		}
	}
	e.Error = errText.String
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return &e, nil
}
