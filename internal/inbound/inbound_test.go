package inbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/auth"
	"github.com/rochaturbo/RochaTurbo/internal/flow"
	"github.com/rochaturbo/RochaTurbo/internal/genai"
	"github.com/rochaturbo/RochaTurbo/internal/messaging"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/testutil"
	"github.com/rochaturbo/RochaTurbo/internal/webhook"
)

type fakeFlows struct {
	mu     sync.Mutex
	result flow.Result
	err    error
	seen   []flow.Message
}

func (f *fakeFlows) Handle(_ context.Context, msg flow.Message) (flow.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, msg)
	return f.result, f.err
}

type fakeAnswerer struct {
	answer   string
	err      error
	question string
	history  []genai.Turn
}

func (a *fakeAnswerer) Answer(_ context.Context, question string, history []genai.Turn) (string, error) {
	a.question = question
	a.history = history
	return a.answer, a.err
}

type processorFixture struct {
	store  *store.SQLiteStore
	flows  *fakeFlows
	sender *messaging.MockSender
	proc   *MessageProcessor
}

func newProcessorFixture(t *testing.T, answerer Answerer) *processorFixture {
	t.Helper()
	fx := &processorFixture{
		store:  testutil.NewSQLiteStore(t),
		flows:  &fakeFlows{result: flow.Result{AllowFreeform: true}},
		sender: messaging.NewMockSender(),
	}
	fx.proc = NewMessageProcessor(fx.store, fx.flows, answerer, fx.sender, "+5511000000000")
	return fx
}

func payload(t *testing.T, msgs ...testutil.InboundMessage) webhook.Payload {
	t.Helper()
	p, err := webhook.Parse(testutil.InboundBody(t, msgs...))
	require.NoError(t, err)
	return p
}

func (fx *processorFixture) contact(t *testing.T, phone string) *models.Contact {
	t.Helper()
	c, err := fx.store.GetContactByPhone(context.Background(), phone)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func TestMessageProcessor_SupportShortcut(t *testing.T) {
	ctx := context.Background()
	fx := newProcessorFixture(t, nil)
	p := payload(t, testutil.InboundMessage{ID: "m1", From: "5511999990001", Name: "Ana", Text: "Quero falar com um ATENDENTE"})

	require.NoError(t, fx.proc.Process(ctx, p))

	sent := fx.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "+5511999990001", sent[0].To)
	assert.Equal(t, "Claro! Para atendimento humano, fale com nossa equipe neste numero: +5511000000000", sent[0].Body)
	assert.Empty(t, fx.flows.seen)

	c := fx.contact(t, "+5511999990001")
	assert.Equal(t, "Ana", c.Name)
	msgs, err := fx.store.RecentMessages(ctx, c.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.DirectionInbound, msgs[0].Direction)
	assert.Equal(t, "m1", msgs[0].ExternalMessageID)
	assert.Equal(t, string(flow.IntentFAQ), msgs[0].Intent)
	assert.Equal(t, models.DirectionOutbound, msgs[1].Direction)
}

func TestMessageProcessor_FlowReplies(t *testing.T) {
	ctx := context.Background()
	fx := newProcessorFixture(t, nil)
	fx.flows.result = flow.Result{Handled: true, Messages: []string{"primeira", "segunda"}}

	require.NoError(t, fx.proc.Process(ctx, payload(t, testutil.InboundMessage{ID: "m1", From: "11999990002", Text: " 2 "})))

	require.Len(t, fx.flows.seen, 1)
	assert.Equal(t, "2", fx.flows.seen[0].Text)
	assert.Equal(t, "m1", fx.flows.seen[0].MessageID)
	assert.Equal(t, fx.contact(t, "+5511999990002").ID, fx.flows.seen[0].UserID)

	sent := fx.sender.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "primeira", sent[0].Body)
	assert.Equal(t, "segunda", sent[1].Body)
}

func TestMessageProcessor_FreeQuestionWithHistory(t *testing.T) {
	ctx := context.Background()
	answerer := &fakeAnswerer{answer: "Sua margem depende do mix."}
	fx := newProcessorFixture(t, answerer)

	phone := "+5511999990003"
	c, _, err := fx.store.EnsureContact(ctx, phone, "")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		dir := models.DirectionInbound
		if i%2 == 1 {
			dir = models.DirectionOutbound
		}
		require.NoError(t, fx.store.AppendMessage(ctx, &models.ConversationMessage{
			UserID: c.ID, Direction: dir, Body: fmt.Sprintf("msg %d", i),
		}))
	}

	require.NoError(t, fx.proc.Process(ctx, payload(t, testutil.InboundMessage{ID: "m9", From: "5511999990003", Text: "como melhorar a margem?"})))

	assert.Equal(t, "como melhorar a margem?", answerer.question)
	require.Len(t, answerer.history, historySize)
	assert.Equal(t, genai.Turn{Role: genai.RoleUser, Content: "msg 2"}, answerer.history[0])
	assert.Equal(t, genai.Turn{Role: genai.RoleAssistant, Content: "msg 9"}, answerer.history[historySize-1])

	sent := fx.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Sua margem depende do mix.", sent[0].Body)
}

func TestMessageProcessor_AnswererFailureFallsBack(t *testing.T) {
	fx := newProcessorFixture(t, &fakeAnswerer{err: errors.New("quota")})
	require.NoError(t, fx.proc.Process(context.Background(), payload(t, testutil.InboundMessage{ID: "m1", From: "5511999990004", Text: "8"})))

	sent := fx.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, msgFallback, sent[0].Body)
}

func TestMessageProcessor_SkipsDuplicatesAndRetriesUnfinished(t *testing.T) {
	ctx := context.Background()
	fx := newProcessorFixture(t, nil)
	fx.flows.result = flow.Result{Handled: true, Messages: []string{"ok"}}
	p := payload(t, testutil.InboundMessage{ID: "m1", From: "5511999990005", Text: "menu"})

	fx.sender.Err = errors.New("provider down")
	require.Error(t, fx.proc.Process(ctx, p))

	fx.sender.Err = nil
	require.NoError(t, fx.proc.Process(ctx, p))
	require.NoError(t, fx.proc.Process(ctx, p))

	assert.Len(t, fx.sender.Sent(), 1)
	assert.Len(t, fx.flows.seen, 2)
}

func TestMessageProcessor_FlowErrorPropagates(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	fx.flows.err = errors.New("store unavailable")
	err := fx.proc.Process(context.Background(), payload(t, testutil.InboundMessage{ID: "m1", From: "5511999990006", Text: "1"}))
	require.Error(t, err)
	assert.Empty(t, fx.sender.Sent())
}

func TestMessageProcessor_SkipsMessagesWithoutText(t *testing.T) {
	fx := newProcessorFixture(t, nil)
	p := webhook.Payload{Entry: []webhook.Entry{{Changes: []webhook.Change{{Value: webhook.Value{
		Messages: []webhook.Message{{ID: "a1", From: "5511999990007", Type: "audio", Audio: &webhook.Media{ID: "media"}}},
	}}}}}}
	require.NoError(t, fx.proc.Process(context.Background(), p))
	assert.Empty(t, fx.sender.Sent())
	assert.Empty(t, fx.flows.seen)
}

func TestMessageProcessor_WithEngineMenu(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	reg, err := flow.LoadRegistry()
	require.NoError(t, err)
	engine := flow.NewEngine(reg, st, st, nil, nil, flow.Config{
		Enabled:  true,
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC) },
	})
	sender := messaging.NewMockSender()
	proc := NewMessageProcessor(st, engine, nil, sender, "")

	require.NoError(t, proc.Process(context.Background(), payload(t, testutil.InboundMessage{ID: "m1", From: "5511999990008", Text: "menu"})))
	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, flow.MenuText(), sent[0].Body)
}

type recordingStatusRepo struct {
	events []models.StatusEvent
}

func (r *recordingStatusRepo) AppendStatusEvent(_ context.Context, ev *models.StatusEvent) error {
	r.events = append(r.events, *ev)
	return nil
}

func TestStatusProcessor(t *testing.T) {
	repo := &recordingStatusRepo{}
	p, err := webhook.Parse(testutil.StatusBody(t,
		testutil.StatusUpdate{ID: "wamid.1", Status: "delivered", Recipient: "5511999990001"},
		testutil.StatusUpdate{ID: "wamid.2", Status: ""},
	))
	require.NoError(t, err)

	require.NoError(t, NewStatusProcessor(repo).Process(context.Background(), p))
	require.Len(t, repo.events, 1)
	ev := repo.events[0]
	assert.Equal(t, "wamid.1", ev.ExternalMessageID)
	assert.Equal(t, "delivered", ev.Status)
	assert.Equal(t, "5511999990001", ev.RecipientID)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), ev.OccurredAt)
	assert.JSONEq(t, `{"id":"wamid.1","status":"delivered","timestamp":"1767225600","recipient_id":"5511999990001"}`, string(ev.Payload))
}

func TestStatusProcessorStoresRows(t *testing.T) {
	st := testutil.NewSQLiteStore(t)
	p, err := webhook.Parse(testutil.StatusBody(t, testutil.StatusUpdate{ID: "wamid.9", Status: "read", Recipient: "55"}))
	require.NoError(t, err)
	require.NoError(t, NewStatusProcessor(st).Process(context.Background(), p))

	res, err := st.PurgeBefore(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.StatusEvents)
}

func TestMessageProcessor_RedeliveryAfterSendFailureKeepsStep(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	reg, err := flow.LoadRegistry()
	require.NoError(t, err)
	engine := flow.NewEngine(reg, st, st, nil, nil, flow.Config{
		Enabled:  true,
		Location: time.UTC,
		Now:      func() time.Time { return time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC) },
	})
	sender := messaging.NewMockSender()
	proc := NewMessageProcessor(st, engine, nil, sender, "")

	from := "5511999990010"
	for i, text := range []string{"1", "sim", "urbano"} {
		id := fmt.Sprintf("m%d", i+1)
		require.NoError(t, proc.Process(ctx, payload(t, testutil.InboundMessage{ID: id, From: from, Text: text})))
	}

	diesel := payload(t, testutil.InboundMessage{ID: "m4", From: from, Text: "5000"})
	sender.Err = errors.New("provider down")
	require.Error(t, proc.Process(ctx, diesel))
	sender.Err = nil
	require.NoError(t, proc.Process(ctx, diesel))

	c, err := st.GetContactByPhone(ctx, "+"+from)
	require.NoError(t, err)
	f, err := st.GetActiveFlow(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "c_volume_otto_l", f.StepKey)
	assert.Equal(t, answers.Number(5000), f.Answers["b_volume_diesel_l"])
	assert.False(t, f.Answers.Has("c_volume_otto_l"), "redelivered text must not answer the next question")

	sent := sender.Sent()
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[len(sent)-1].Body, "gasolina + etanol")

	msgs, err := st.RecentMessages(ctx, c.ID, 50)
	require.NoError(t, err)
	inbound := 0
	for _, m := range msgs {
		if m.ExternalMessageID == "m4" && m.Direction == models.DirectionInbound {
			inbound++
		}
	}
	assert.Equal(t, 1, inbound)
}

func TestMessageProcessor_RequiresAuthenticationBeforeFlows(t *testing.T) {
	ctx := context.Background()
	fx := newProcessorFixture(t, nil)
	fx.flows.result = flow.Result{Handled: true, Messages: []string{"menu principal"}}
	gate := auth.NewGate(fx.store, "test-secret", auth.WithCodeGenerator(func() (string, error) {
		return "481516", nil
	}))
	fx.proc.RequireAuth(gate)

	from := "5511999990020"
	steps := []struct {
		text string
		want string
	}{
		{"oi", "me envie seu CPF"},
		{"529.982.247-25", "Codigo de acesso: 481516"},
		{"481516", "Acesso liberado"},
		{"menu", "menu principal"},
	}
	for i, step := range steps {
		id := fmt.Sprintf("auth-%d", i)
		require.NoError(t, fx.proc.Process(ctx, payload(t, testutil.InboundMessage{ID: id, From: from, Text: step.text})))
		sent := fx.sender.Sent()
		require.Len(t, sent, i+1)
		assert.Contains(t, sent[i].Body, step.want, step.text)
	}

	require.Len(t, fx.flows.seen, 1, "only the authenticated message reaches the flows")
	assert.Equal(t, "menu", fx.flows.seen[0].Text)

	c := fx.contact(t, "+"+from)
	sess, err := fx.store.GetAuthSession(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AuthAuthenticated, sess.State)
	assert.NotContains(t, sess.CPFHash, "52998224725")
}
