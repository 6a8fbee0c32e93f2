package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

// maxSummaryBlocks caps how many report summary lines are echoed into the chat.
const maxSummaryBlocks = 3

func (e *Engine) complete(ctx context.Context, f *models.FlowInstance, def *Definition) (Result, error) {
	switch f.FlowType {
	case models.FlowTypeOnboarding:
		return e.completeOnboarding(ctx, f)
	case models.FlowTypeModule:
		return e.completeModule(ctx, f, def)
	}
	return e.cancel(ctx, f, models.ReasonDefinitionNotFound)
}

// completeOnboarding computes the month KPIs, renders the report and stores the final input.
// When a collaborator fails the flow is left untouched so the user can retry with 'encerrar'.
func (e *Engine) completeOnboarding(ctx context.Context, f *models.FlowInstance) (Result, error) {
	monthRef := resolvedMonthRef(f)
	if monthRef == "" {
		return handled(msgNoMonthRef), nil
	}
	input := SanitizeInput(f.Answers)

	kpis, err := e.reports.ComputeAndPersist(ctx, f.UserID, monthRef, input)
	if err != nil {
		return e.dependencyFailed(f, "compute kpis", err)
	}
	report, err := e.reports.RenderReport(ctx, f.UserID, monthRef, kpis)
	if err != nil {
		return e.dependencyFailed(f, "render report", err)
	}

	next := f.Clone()
	next.MonthRef = monthRef
	if err := e.saveProgress(ctx, &next, true); err != nil {
		return Result{}, err
	}
	now := e.cfg.Now().UTC()
	next.Status = models.FlowStatusCompleted
	next.CompletedAt = &now
	next.Context.CompletedReason = models.ReasonOnboardingFinished
	next.Context.ReportFileID = report.FileID
	next.Context.ReportURL = report.URL
	if err := e.flows.UpdateFlow(ctx, &next); err != nil {
		return Result{}, err
	}
	e.observe(&next, "completed")
	slog.Info("Engine completed onboarding", "flowID", next.ID, "userID", next.UserID, "monthRef", monthRef, "reportFileID", report.FileID)

	messages := []string{fmt.Sprintf("Diagnostico inicial do mes %s concluido.", FormatMonthRef(monthRef))}
	for i, block := range report.SummaryBlocks {
		if i == maxSummaryBlocks {
			break
		}
		messages = append(messages, block)
	}
	if report.URL != "" {
		messages = append(messages, "Relatorio completo (PDF): "+report.URL)
	}

	if pending := next.Context.PendingModule; pending != "" {
		if _, ok := e.defs.Module(pending); ok {
			res, err := e.startModule(ctx, next.UserID, pending, monthRef, "onboarding")
			if err != nil {
				return Result{}, err
			}
			res.Messages = append(messages, res.Messages...)
			return res, nil
		}
		slog.Warn("Engine pending module has no definition", "wizard", pending, "userID", next.UserID)
	}
	return handled(append(messages, MenuText())...), nil
}

func (e *Engine) completeModule(ctx context.Context, f *models.FlowInstance, def *Definition) (Result, error) {
	monthRef := resolvedMonthRef(f)
	var monthly answers.Object
	if monthRef != "" {
		input, err := e.inputs.GetMonthlyInput(ctx, f.UserID, monthRef)
		if err != nil {
			return Result{}, fmt.Errorf("load monthly input: %w", err)
		}
		if input != nil {
			monthly = input.Input
		}
	}

	artifact, err := e.artifacts.GenerateArtifact(ctx, ArtifactRequest{
		UserID:       f.UserID,
		Module:       def.Module,
		Wizard:       def.Wizard,
		RequestedBy:  "whatsapp:user",
		Source:       "whatsapp_flow_v2",
		MonthRef:     monthRef,
		Answers:      f.Answers.Clone(),
		MonthlyInput: monthly,
	})
	if err != nil {
		return e.dependencyFailed(f, "generate artifact", err)
	}

	next := f.Clone()
	now := e.cfg.Now().UTC()
	next.Status = models.FlowStatusCompleted
	next.CompletedAt = &now
	next.Context.CompletedReason = models.ReasonModuleGenerated
	next.Context.GeneratedFileID = artifact.FileID
	if err := e.flows.UpdateFlow(ctx, &next); err != nil {
		return Result{}, err
	}
	e.observe(&next, "completed")
	slog.Info("Engine completed module", "flowID", next.ID, "userID", next.UserID, "wizard", def.Wizard, "runID", artifact.RunID)

	file := "Arquivo disponivel no CRM."
	if artifact.URL != "" {
		file = "Arquivo: " + artifact.URL
	}
	return handled(fmt.Sprintf("Modulo %s concluido.", def.MenuLabel), file, MenuText()), nil
}

func (e *Engine) dependencyFailed(f *models.FlowInstance, step string, err error) (Result, error) {
	slog.Error("Engine completion dependency failed", "error", apperrors.CompletionDependency(step, err),
		"flowID", f.ID, "userID", f.UserID, "flowType", f.FlowType)
	e.observe(f, "completion_failed")
	return handled(msgRetryLater), nil
}
