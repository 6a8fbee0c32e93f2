// Package flow drives the guided WhatsApp wizards: the monthly onboarding diagnosis and the
// module wizards opened from the main menu.
//
// Definitions are declarative YAML compiled at startup. The Engine owns every transition of a
// flow instance: trigger detection, commands, answer parsing, visibility recomputation and
// completion through the report and artifact collaborators.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/metrics"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/parser"
	"github.com/rochaturbo/RochaTurbo/internal/store"
	"github.com/rochaturbo/RochaTurbo/internal/util"
)

// maxWriteAttempts bounds how often a message is re-applied after a concurrent update.
const maxWriteAttempts = 3

// User facing replies.
const (
	msgCoreBeforeModules = "Antes de abrir os modulos, preciso finalizar o nucleo do diagnostico mensal."
	msgFirstStep         = "Esse ja e o primeiro passo do fluxo."
	msgRequired          = "Essa pergunta e obrigatoria. Se quiser, responda com um valor aproximado."
	msgNoKeepValue       = "Nao encontrei valor anterior para manter nessa pergunta."
	msgRestart           = "Nao consegui continuar o fluxo atual. Digite 'menu' para reiniciar."
	msgNoMonthRef        = "Nao consegui identificar o mes de referencia. Digite 'menu' e escolha Diagnostico mensal."
	msgRetryLater        = "Nao consegui gerar o resultado agora. Tente novamente em alguns minutos digitando 'encerrar'."
)

// Message is an inbound chat message addressed to the engine.
type Message struct {
	UserID    string
	Text      string
	MessageID string
}

// Result is the engine's reply. When Handled is false the caller may answer the message
// another way; AllowFreeform tells it free question answering is appropriate.
type Result struct {
	Handled       bool
	Messages      []string
	AllowFreeform bool
}

func handled(messages ...string) Result {
	return Result{Handled: true, Messages: messages}
}

// Config tunes the Engine.
type Config struct {
	// Enabled turns the guided flows on. When false every message is left to the caller.
	Enabled bool
	// Location is the timezone used to suggest the reference month.
	Location *time.Location
	// ForceExistingUsers starts onboarding for any user without core data for the suggested month.
	ForceExistingUsers bool
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine is the flow state machine.
type Engine struct {
	defs      *Registry
	flows     FlowStore
	inputs    MonthlyInputs
	reports   Reports
	artifacts Artifacts
	cfg       Config
}

// NewEngine wires the state machine to its collaborators.
func NewEngine(defs *Registry, flows FlowStore, inputs MonthlyInputs, reports Reports, artifacts Artifacts, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{defs: defs, flows: flows, inputs: inputs, reports: reports, artifacts: artifacts, cfg: cfg}
}

// Registry returns the definitions used by the engine.
func (e *Engine) Registry() *Registry {
	return e.defs
}

// Handle processes one inbound message. Writes that race with another message of the same
// user are detected by the flow version and re-applied on fresh state.
func (e *Engine) Handle(ctx context.Context, msg Message) (Result, error) {
	if !e.cfg.Enabled {
		return Result{AllowFreeform: true}, nil
	}
	text := util.CollapseSpaces(msg.Text)
	cmd := ParseCommand(text)

	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		res, err := e.handleOnce(ctx, msg.UserID, text, cmd, msg.MessageID)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) && !errors.Is(err, store.ErrActiveFlowExists) {
			slog.Error("Engine Handle failed", "error", err, "userID", msg.UserID, "messageID", msg.MessageID)
			return Result{}, err
		}
		lastErr = err
		slog.Warn("Engine Handle concurrent update, retrying", "userID", msg.UserID, "attempt", attempt, "error", err)
	}
	return Result{}, apperrors.Transient("flow update kept conflicting", lastErr)
}

func (e *Engine) handleOnce(ctx context.Context, userID, text string, cmd Command, messageID string) (Result, error) {
	active, err := e.flows.GetActiveFlow(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load active flow: %w", err)
	}
	if active != nil {
		return e.handleExisting(ctx, active, text, cmd, messageID)
	}
	if cmd == CommandMenu {
		return handled(MenuText()), nil
	}
	return e.startFromTrigger(ctx, userID, text)
}

func (e *Engine) startFromTrigger(ctx context.Context, userID, text string) (Result, error) {
	suggested := SuggestedMonthRef(e.cfg.Now(), e.cfg.Location)
	hasCore, err := e.hasCoreForMonth(ctx, userID, suggested)
	if err != nil {
		return Result{}, err
	}
	selection := DetectMenuSelection(text)
	byText := DetectModuleByText(text)
	wizard, createdFrom := "", ""
	switch {
	case selection.IsModule():
		wizard, createdFrom = string(selection), "menu"
	case byText != "":
		wizard, createdFrom = byText, "text"
	}
	monthlyIntent := InferIntent(text) == IntentMonthlyDataCollection

	if (!hasCore && e.cfg.ForceExistingUsers) || monthlyIntent || selection == SelectionOnboarding {
		// a module asked for on the way in still starts after onboarding
		pending := ""
		if !hasCore {
			pending = wizard
		}
		f, err := e.startOnboarding(ctx, userID, suggested, pending)
		if err != nil {
			return Result{}, err
		}
		prompt := BuildPrompt(e.defs.Onboarding().Question(f.StepKey), f)
		if pending != "" {
			return handled(msgCoreBeforeModules, prompt), nil
		}
		return handled(prompt), nil
	}
	if wizard == "" {
		return Result{AllowFreeform: true}, nil
	}

	if !hasCore {
		f, err := e.startOnboarding(ctx, userID, suggested, wizard)
		if err != nil {
			return Result{}, err
		}
		return handled(msgCoreBeforeModules, BuildPrompt(e.defs.Onboarding().Question(f.StepKey), f)), nil
	}
	return e.startModule(ctx, userID, wizard, suggested, createdFrom)
}

func (e *Engine) hasCoreForMonth(ctx context.Context, userID, monthRef string) (bool, error) {
	input, err := e.inputs.GetMonthlyInput(ctx, userID, monthRef)
	if err != nil {
		return false, fmt.Errorf("load monthly input: %w", err)
	}
	if input == nil {
		return false, nil
	}
	return len(e.defs.Onboarding().PendingCore(input.Input)) == 0, nil
}

func (e *Engine) startOnboarding(ctx context.Context, userID, suggested, pendingModule string) (*models.FlowInstance, error) {
	current, err := e.inputs.GetMonthlyInput(ctx, userID, suggested)
	if err != nil {
		return nil, fmt.Errorf("load monthly input: %w", err)
	}
	previous, err := e.inputs.LatestMonthlyInputBefore(ctx, userID, suggested)
	if err != nil {
		return nil, fmt.Errorf("load previous monthly input: %w", err)
	}

	f := &models.FlowInstance{
		UserID:   userID,
		FlowType: models.FlowTypeOnboarding,
		Status:   models.FlowStatusActive,
		MonthRef: suggested,
		StepKey:  e.defs.Onboarding().InitialStep,
		Answers:  answers.Object{},
		Context: models.FlowContext{
			SuggestedMonthRef: suggested,
			MonthRef:          suggested,
			PendingModule:     pendingModule,
			CreatedFrom:       "onboarding",
		},
	}
	prefill := current
	if prefill == nil {
		prefill = previous
	}
	if current != nil {
		f.Answers = current.Input.Clone()
	}
	if prefill != nil {
		f.Context.Prefill = SanitizeInput(prefill.Input)
		f.Context.PrefillMonthRef = prefill.MonthRef
	}

	if err := e.flows.CreateFlow(ctx, f); err != nil {
		return nil, err
	}
	e.observe(f, "started")
	slog.Info("Engine started onboarding", "userID", userID, "flowID", f.ID, "monthRef", suggested, "pendingModule", pendingModule)
	return f, nil
}

func (e *Engine) startModule(ctx context.Context, userID, wizard, monthRef, createdFrom string) (Result, error) {
	def, ok := e.defs.Module(wizard)
	if !ok {
		return Result{}, apperrors.Definition(models.ReasonModuleDefinitionMissing).WithDetail("wizard", wizard)
	}
	f := &models.FlowInstance{
		UserID:   userID,
		FlowType: models.FlowTypeModule,
		Status:   models.FlowStatusActive,
		MonthRef: monthRef,
		StepKey:  def.InitialStep,
		Answers:  answers.Object{},
		Context: models.FlowContext{
			ModuleWizard: wizard,
			MonthRef:     monthRef,
			CreatedFrom:  createdFrom,
		},
	}
	if err := e.flows.CreateFlow(ctx, f); err != nil {
		return Result{}, err
	}
	e.observe(f, "started")
	slog.Info("Engine started module", "userID", userID, "flowID", f.ID, "wizard", wizard)
	return handled(
		fmt.Sprintf("Perfeito. Vamos montar o modulo %s.", def.MenuLabel),
		BuildPrompt(def.Question(f.StepKey), f),
	), nil
}

func (e *Engine) handleExisting(ctx context.Context, f *models.FlowInstance, text string, cmd Command, messageID string) (Result, error) {
	def, ok := e.defs.ForFlow(f)
	if !ok {
		reason := models.ReasonDefinitionNotFound
		if f.FlowType == models.FlowTypeModule {
			reason = models.ReasonModuleDefinitionMissing
		}
		return e.cancel(ctx, f, reason)
	}

	q := def.Resolve(f.Answers, f.StepKey)
	if q == nil {
		return e.complete(ctx, f, def)
	}
	f.StepKey = q.Key

	// A redelivered message already moved the flow; repeat the prompt instead of
	// parsing the text against the question that follows.
	if messageID != "" && f.LastExternalMessageID == messageID {
		slog.Info("Engine replaying prompt for redelivered message", "userID", f.UserID, "flowID", f.ID, "messageID", messageID)
		return handled(BuildPrompt(q, f)), nil
	}

	// "manter" confirms the suggested month on the month question.
	if cmd == CommandKeep && q.Parser == parser.MonthRef {
		cmd = CommandNone
	}
	if cmd != CommandNone {
		return e.handleCommand(ctx, f, def, q, cmd, messageID)
	}

	value, err := parser.Parse(text, q.Parser, q.ParserOptions())
	if err != nil {
		if !apperrors.Is(err, apperrors.CodeValidation) {
			return Result{}, err
		}
		e.observe(f, "rejected")
		if def.EnforcesCore() && len(def.PendingCore(f.Answers)) > 0 && SeemsDiversion(text) {
			pending := def.PendingCore(f.Answers)
			return handled(
				fmt.Sprintf("Antes de seguir para outros assuntos, preciso concluir o nucleo do diagnostico. Pendencias: %s.", strings.Join(pending, ", ")),
				BuildPrompt(q, f),
			), nil
		}
		return handled("Nao entendi sua resposta: "+apperrors.UserMessage(err, "resposta invalida."), BuildPrompt(q, f)), nil
	}

	next := f.Clone()
	if f.FlowType == models.FlowTypeOnboarding && q.Parser == parser.MonthRef {
		value = resolveMonthRef(value, &next)
		next.Context.MonthRef = answers.Text(value)
		if next.Context.MonthRef != "" {
			next.MonthRef = next.Context.MonthRef
		}
	}
	next.Answers.Set(q.FieldPath, value)
	return e.advance(ctx, &next, def, q, messageID, "answered")
}

func (e *Engine) handleCommand(ctx context.Context, f *models.FlowInstance, def *Definition, q *Question, cmd Command, messageID string) (Result, error) {
	switch cmd {
	case CommandMenu:
		return handled(MenuText(), BuildPrompt(q, f)), nil

	case CommandStatus:
		return handled(StatusMessage(def, f), BuildPrompt(q, f)), nil

	case CommandBack:
		prev := def.Previous(f.Answers, q.Key)
		if prev == nil {
			return handled(msgFirstStep, BuildPrompt(q, f)), nil
		}
		next := f.Clone()
		next.StepKey = prev.Key
		next.LastExternalMessageID = messageID
		if err := e.flows.UpdateFlow(ctx, &next); err != nil {
			return Result{}, err
		}
		e.observe(&next, "back")
		return handled(BuildPrompt(prev, &next)), nil

	case CommandSkip:
		if q.Required || !q.AllowSkip {
			return handled(msgRequired, BuildPrompt(q, f)), nil
		}
		next := f.Clone()
		next.Answers.Set(q.FieldPath, answers.Null{})
		return e.advance(ctx, &next, def, q, messageID, "skipped")

	case CommandKeep:
		kept, ok := f.Context.Prefill.Get(q.FieldPath)
		if !ok {
			return handled(msgNoKeepValue, BuildPrompt(q, f)), nil
		}
		next := f.Clone()
		next.Answers.Set(q.FieldPath, answers.Clone(kept))
		return e.advance(ctx, &next, def, q, messageID, "kept")

	case CommandFinish:
		if pending := def.PendingCore(f.Answers); def.EnforcesCore() && len(pending) > 0 {
			return handled(
				fmt.Sprintf("Ainda faltam itens obrigatorios do nucleo: %s.", strings.Join(pending, ", ")),
				BuildPrompt(q, f),
			), nil
		}
		return e.complete(ctx, f, def)
	}
	return Result{}, fmt.Errorf("unhandled command %q", cmd)
}

// advance persists next after q was answered, skipped or kept, then asks the next visible
// question or completes the flow.
func (e *Engine) advance(ctx context.Context, next *models.FlowInstance, def *Definition, q *Question, messageID, action string) (Result, error) {
	nextQ := def.Next(next.Answers, q.Key)
	if nextQ != nil {
		next.StepKey = nextQ.Key
	}
	next.LastExternalMessageID = messageID

	if err := e.flows.UpdateFlow(ctx, next); err != nil {
		return Result{}, err
	}
	e.observe(next, action)

	if next.FlowType == models.FlowTypeOnboarding {
		if err := e.saveProgress(ctx, next, false); err != nil {
			return Result{}, err
		}
	}
	if nextQ != nil {
		return handled(BuildPrompt(nextQ, next)), nil
	}
	return e.complete(ctx, next, def)
}

func (e *Engine) saveProgress(ctx context.Context, f *models.FlowInstance, final bool) error {
	monthRef := resolvedMonthRef(f)
	if monthRef == "" {
		return nil
	}
	err := e.inputs.UpsertMonthlyInput(ctx, models.MonthlyInput{
		UserID:   f.UserID,
		MonthRef: monthRef,
		Source:   "chat",
		Input:    SanitizeInput(f.Answers),
		IsFinal:  final,
	})
	if err != nil {
		return fmt.Errorf("save monthly input: %w", err)
	}
	return nil
}

func (e *Engine) cancel(ctx context.Context, f *models.FlowInstance, reason string) (Result, error) {
	slog.Warn("Engine canceling flow", "flowID", f.ID, "userID", f.UserID, "reason", reason,
		"error", apperrors.Definition(reason))
	next := f.Clone()
	now := e.cfg.Now().UTC()
	next.Status = models.FlowStatusCanceled
	next.CanceledAt = &now
	next.Context.CanceledReason = reason
	if err := e.flows.UpdateFlow(ctx, &next); err != nil {
		return Result{}, err
	}
	e.observe(&next, "canceled")
	return handled(msgRestart), nil
}

func (e *Engine) observe(f *models.FlowInstance, action string) {
	metrics.FlowTransitions.WithLabelValues(string(f.FlowType), action).Inc()
}

func resolveMonthRef(value answers.Value, f *models.FlowInstance) answers.Value {
	if answers.Text(value) != parser.UseSuggestedMonth {
		return value
	}
	if f.Context.SuggestedMonthRef != "" {
		return answers.String(f.Context.SuggestedMonthRef)
	}
	return answers.String(f.MonthRef)
}

func resolvedMonthRef(f *models.FlowInstance) string {
	for _, candidate := range []string{f.Context.MonthRef, f.MonthRef, f.Context.SuggestedMonthRef} {
		if candidate != "" {
			return candidate
		}
	}
	return ""
}

// SanitizeInput returns the monthly input stored for an answer document: internal _meta
// fields and skipped (null) answers are dropped.
func SanitizeInput(doc answers.Object) answers.Object {
	out := doc.Without("_meta")
	for key, v := range out {
		if v == nil || v.Kind() == answers.KindNull {
			delete(out, key)
		}
	}
	return out
}
