// Package webhook accepts WhatsApp Cloud API deliveries exactly once.
//
// Intake authenticates a delivery, records it in the dedup ledger under an event key derived
// from the message or status ids, and either enqueues it or, without a queue backend, runs the
// registered processor inline. FailureRecorder keeps the ledger in step with queue outcomes.
package webhook

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
)

// maxKeyIDs bounds how many ids make up an event key.
const maxKeyIDs = 10

// Payload is the body of a Cloud API webhook delivery.
type Payload struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

type Value struct {
	MessagingProduct string    `json:"messaging_product,omitempty"`
	Metadata         *Metadata `json:"metadata,omitempty"`
	Contacts         []Contact `json:"contacts,omitempty"`
	Messages         []Message `json:"messages,omitempty"`
	Statuses         []Status  `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// Message is one inbound user message.
type Message struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *Text        `json:"text,omitempty"`
	Button      *Button      `json:"button,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
	Audio       *Media       `json:"audio,omitempty"`
}

type Text struct {
	Body string `json:"body"`
}

type Button struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
}

// Body returns the trimmed user text of m. Types without text yield "".
func (m Message) Body() string {
	switch m.Type {
	case "text":
		if m.Text != nil {
			return strings.TrimSpace(m.Text.Body)
		}
	case "button":
		if m.Button != nil {
			return strings.TrimSpace(m.Button.Text)
		}
	case "interactive":
		if m.Interactive == nil {
			return ""
		}
		if m.Interactive.ButtonReply != nil {
			return strings.TrimSpace(m.Interactive.ButtonReply.Title)
		}
		if m.Interactive.ListReply != nil {
			return strings.TrimSpace(m.Interactive.ListReply.Title)
		}
	}
	return ""
}

// Status is a delivery status callback for an outbound message.
type Status struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Timestamp   string          `json:"timestamp"`
	RecipientID string          `json:"recipient_id"`
	Errors      json.RawMessage `json:"errors,omitempty"`
}

// OccurredAt converts the unix seconds timestamp. A missing or bad value yields the zero time.
func (s Status) OccurredAt() time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s.Timestamp), 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// Parse decodes a delivery body.
func Parse(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, apperrors.Validation("invalid webhook payload", err)
	}
	return p, nil
}

// Messages returns every message that names a sender, in delivery order.
func (p Payload) Messages() []Message {
	var out []Message
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.From != "" {
					out = append(out, m)
				}
			}
		}
	}
	return out
}

// Statuses returns every status that carries both a message id and a status.
func (p Payload) Statuses() []Status {
	var out []Status
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				if s.ID != "" && s.Status != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

// ContactName returns the profile name the provider reports for waID.
func (p Payload) ContactName(waID string) string {
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, c := range change.Value.Contacts {
				if c.WaID == waID {
					return strings.TrimSpace(c.Profile.Name)
				}
			}
		}
	}
	return ""
}

// MessageEventKey derives the ledger key of an inbound delivery from its message ids.
// It returns nil when the delivery has no message id, and such deliveries never collide.
func MessageEventKey(p Payload) *string {
	var ids []string
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				ids = append(ids, m.ID)
			}
		}
	}
	return eventKey(ids)
}

// StatusEventKey derives the ledger key of a status delivery from its status ids.
func StatusEventKey(p Payload) *string {
	var ids []string
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			for _, s := range change.Value.Statuses {
				ids = append(ids, s.ID)
			}
		}
	}
	return eventKey(ids)
}

func eventKey(ids []string) *string {
	var kept []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		kept = append(kept, id)
		if len(kept) == maxKeyIDs {
			break
		}
	}
	if len(kept) == 0 {
		return nil
	}
	key := strings.Join(kept, "|")
	return &key
}
