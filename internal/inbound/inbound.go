// Package inbound processes WhatsApp deliveries accepted by webhook intake.
//
// MessageProcessor answers user messages: support shortcut, guided flows, then free question
// answering. StatusProcessor stores delivery statuses of outbound messages.
package inbound

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/rochaturbo/RochaTurbo/internal/auth"
	"github.com/rochaturbo/RochaTurbo/internal/flow"
	"github.com/rochaturbo/RochaTurbo/internal/genai"
	"github.com/rochaturbo/RochaTurbo/internal/messaging"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/util"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

// DefaultSupportPhone is used when no support number is configured.
const DefaultSupportPhone = "+5500000000000"

// historySize is how many earlier messages are given to the free question answerer.
const historySize = 8

const (
	msgSupport  = "Claro! Para atendimento humano, fale com nossa equipe neste numero: %s"
	msgFallback = "No momento nao consegui acessar a base de conhecimento. " +
		"Se quiser, digite 'menu' para continuar pelos fluxos guiados."
)

var supportPattern = regexp.MustCompile(`\b(atendente|humano|suporte)\b`)

// FlowHandler runs the guided flows.
type FlowHandler interface {
	Handle(ctx context.Context, msg flow.Message) (flow.Result, error)
}

// Answerer replies to free questions.
type Answerer interface {
	Answer(ctx context.Context, question string, history []genai.Turn) (string, error)
}

// Authenticator admits a contact to the flows. Messages it does not admit are answered with
// the decision's replies.
type Authenticator interface {
	Check(ctx context.Context, userID, text, messageID string) (auth.Decision, error)
}

// Repos is the persistence used by MessageProcessor.
type Repos interface {
	store.ContactRepo
	store.DedupRepo
	store.ConversationRepo
}

// MessageProcessor answers inbound user messages.
type MessageProcessor struct {
	repos        Repos
	flows        FlowHandler
	answerer     Answerer
	sender       messaging.Sender
	supportPhone string
	auth         Authenticator
}

var _ webhook.Processor = (*MessageProcessor)(nil)

// NewMessageProcessor creates a processor. A nil answerer makes free questions get the
// fallback reply.
func NewMessageProcessor(repos Repos, flows FlowHandler, answerer Answerer, sender messaging.Sender, supportPhone string) *MessageProcessor {
	if supportPhone == "" {
		supportPhone = DefaultSupportPhone
	}
	return &MessageProcessor{
		repos:        repos,
		flows:        flows,
		answerer:     answerer,
		sender:       sender,
		supportPhone: supportPhone,
	}
}

// RequireAuth makes every message pass the authenticator before it reaches the flows.
func (p *MessageProcessor) RequireAuth(a Authenticator) *MessageProcessor {
	p.auth = a
	return p
}

// Process handles every message of p in order. It stops at the first failure so that the
// delivery is retried; messages already answered are skipped on the retry.
func (p *MessageProcessor) Process(ctx context.Context, payload webhook.Payload) error {
	for _, msg := range payload.Messages() {
		if err := p.processMessage(ctx, payload, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *MessageProcessor) processMessage(ctx context.Context, payload webhook.Payload, msg webhook.Message) error {
	text := msg.Body()
	if text == "" {
		slog.Info("MessageProcessor skipped message without text", "message_id", msg.ID, "type", msg.Type)
		return nil
	}
	phone := util.NormalizePhone(msg.From)
	if phone == "" {
		slog.Warn("MessageProcessor skipped message with invalid sender", "message_id", msg.ID)
		return nil
	}

	contact, created, err := p.repos.EnsureContact(ctx, phone, payload.ContactName(msg.From))
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}
	if created {
		slog.Info("MessageProcessor registered contact", "user_id", contact.ID)
	}

	redelivered := false
	if msg.ID != "" {
		fresh, err := p.repos.RecordInbound(ctx, msg.ID, contact.ID)
		if err != nil {
			return err
		}
		if !fresh {
			redelivered = true
			done, err := p.repos.IsProcessed(ctx, msg.ID)
			if err != nil {
				return err
			}
			if done {
				slog.Info("MessageProcessor skipped duplicate message", "message_id", msg.ID, "user_id", contact.ID)
				return nil
			}
		}
	}

	intent := string(flow.InferIntent(text))
	// the inbound row was written by the attempt that recorded the message
	if !redelivered {
		if err := p.log(ctx, contact.ID, models.DirectionInbound, text, msg.ID, intent); err != nil {
			return err
		}
	}

	replies, err := p.admitAndReply(ctx, contact.ID, text, msg.ID)
	if err != nil {
		return err
	}
	for _, reply := range replies {
		if err := p.log(ctx, contact.ID, models.DirectionOutbound, reply, "", intent); err != nil {
			return err
		}
		if err := p.sender.SendText(ctx, phone, reply); err != nil {
			return err
		}
	}

	if msg.ID != "" {
		if err := p.repos.MarkProcessed(ctx, msg.ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *MessageProcessor) admitAndReply(ctx context.Context, userID, text, messageID string) ([]string, error) {
	if p.auth == nil {
		return p.reply(ctx, userID, text, messageID)
	}
	d, err := p.auth.Check(ctx, userID, text, messageID)
	if err != nil {
		return nil, fmt.Errorf("authenticate contact: %w", err)
	}
	if !d.Authenticated {
		return d.Replies, nil
	}
	return p.reply(ctx, userID, text, messageID)
}

func (p *MessageProcessor) reply(ctx context.Context, userID, text, messageID string) ([]string, error) {
	if supportPattern.MatchString(util.Normalize(text)) {
		return []string{fmt.Sprintf(msgSupport, p.supportPhone)}, nil
	}

	res, err := p.flows.Handle(ctx, flow.Message{UserID: userID, Text: text, MessageID: messageID})
	if err != nil {
		return nil, err
	}
	if res.Handled {
		return res.Messages, nil
	}
	return []string{p.answer(ctx, userID, text)}, nil
}

func (p *MessageProcessor) answer(ctx context.Context, userID, text string) string {
	if p.answerer == nil {
		return msgFallback
	}
	recent, err := p.repos.RecentMessages(ctx, userID, historySize+1)
	if err != nil {
		slog.Warn("MessageProcessor could not load history", "error", err, "user_id", userID)
	}
	// The newest row is the question itself.
	if n := len(recent); n > 0 && recent[n-1].Direction == models.DirectionInbound && recent[n-1].Body == text {
		recent = recent[:n-1]
	}
	if len(recent) > historySize {
		recent = recent[len(recent)-historySize:]
	}
	history := make([]genai.Turn, 0, len(recent))
	for _, m := range recent {
		role := genai.RoleUser
		if m.Direction == models.DirectionOutbound {
			role = genai.RoleAssistant
		}
		history = append(history, genai.Turn{Role: role, Content: m.Body})
	}

	answer, err := p.answerer.Answer(ctx, text, history)
	if err != nil {
		slog.Warn("MessageProcessor answer failed, using fallback", "error", err, "user_id", userID)
		return msgFallback
	}
	return answer
}

func (p *MessageProcessor) log(ctx context.Context, userID string, dir models.Direction, body, externalID, intent string) error {
	return p.repos.AppendMessage(ctx, &models.ConversationMessage{
		UserID:            userID,
		Direction:         dir,
		Body:              body,
		ExternalMessageID: externalID,
		Intent:            intent,
	})
}

// StatusProcessor stores delivery statuses.
type StatusProcessor struct {
	events store.StatusEventRepo
}

var _ webhook.Processor = (*StatusProcessor)(nil)

func NewStatusProcessor(events store.StatusEventRepo) *StatusProcessor {
	return &StatusProcessor{events: events}
}

func (p *StatusProcessor) Process(ctx context.Context, payload webhook.Payload) error {
	statuses := payload.Statuses()
	for _, s := range statuses {
		raw, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("encode status %s: %w", s.ID, err)
		}
		ev := &models.StatusEvent{
			ExternalMessageID: s.ID,
			RecipientID:       s.RecipientID,
			Status:            s.Status,
			OccurredAt:        s.OccurredAt(),
			Payload:           raw,
		}
		if err := p.events.AppendStatusEvent(ctx, ev); err != nil {
			return err
		}
	}
	slog.Debug("StatusProcessor stored statuses", "count", len(statuses))
	return nil
}
