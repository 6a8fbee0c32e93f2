// Package testutil provides common test fixtures for RochaTurbo tests: temp-dir SQLite
// stores, miniredis-backed dispatchers and WhatsApp webhook bodies.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rochaturbo/RochaTurbo/internal/queue"
	"github.com/rochaturbo/RochaTurbo/internal/store"
)

// NewSQLiteStore opens a SQLite store in a temp dir that is closed with the test.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "rochaturbo.db")))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// NewRedisDispatcher starts a miniredis server and returns a dispatcher on it.
func NewRedisDispatcher(t testing.TB) (*queue.Dispatcher, *queue.RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend := queue.NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test")
	d := queue.NewDispatcher(backend, queue.DefaultAttempts)
	t.Cleanup(func() { _ = d.Close() })
	return d, backend, mr
}

// InboundMessage is one text message of an inbound webhook body.
type InboundMessage struct {
	ID   string
	From string
	Name string
	Text string
}

// InboundBody builds a Cloud API delivery carrying msgs as text messages.
func InboundBody(t testing.TB, msgs ...InboundMessage) []byte {
	t.Helper()
	messages := make([]map[string]any, 0, len(msgs))
	contacts := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, map[string]any{
			"id":        m.ID,
			"from":      m.From,
			"timestamp": "1767225600",
			"type":      "text",
			"text":      map[string]any{"body": m.Text},
		})
		if m.Name != "" {
			contacts = append(contacts, map[string]any{
				"wa_id":   m.From,
				"profile": map[string]any{"name": m.Name},
			})
		}
	}
	return delivery(t, map[string]any{
		"messaging_product": "whatsapp",
		"contacts":          contacts,
		"messages":          messages,
	})
}

// StatusUpdate is one delivery status of a status webhook body.
type StatusUpdate struct {
	ID        string
	Status    string
	Recipient string
}

// StatusBody builds a Cloud API delivery carrying statuses.
func StatusBody(t testing.TB, statuses ...StatusUpdate) []byte {
	t.Helper()
	items := make([]map[string]any, 0, len(statuses))
	for _, s := range statuses {
		items = append(items, map[string]any{
			"id":           s.ID,
			"status":       s.Status,
			"timestamp":    "1767225600",
			"recipient_id": s.Recipient,
		})
	}
	return delivery(t, map[string]any{
		"messaging_product": "whatsapp",
		"statuses":          items,
	})
}

func delivery(t testing.TB, value map[string]any) []byte {
	t.Helper()
	return MustMarshalJSON(t, map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"id":      "waba-1",
			"changes": []map[string]any{{"field": "messages", "value": value}},
		}},
	})
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// DecodeJSONResponse decodes the JSON body of rr.
func DecodeJSONResponse(t testing.TB, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var response map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}
	return response
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// Phone returns a distinct Brazilian mobile number for index i.
func Phone(i int) string {
	return fmt.Sprintf("55119%08d", i)
}
