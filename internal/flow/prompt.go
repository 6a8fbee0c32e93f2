package flow

import (
	"fmt"
	"strings"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

const (
	hintSkip   = "Digite 'pular' se nao se aplica."
	hintKeep   = "Digite 'manter' para usar valor do mes anterior."
	hintStatus = "Digite 'status' para ver progresso."
)

// BuildPrompt renders the question for f followed by the command hints that apply to it.
func BuildPrompt(q *Question, f *models.FlowInstance) string {
	if q == nil {
		return "Fluxo concluido."
	}
	monthRef := f.Context.MonthRef
	if monthRef == "" {
		monthRef = f.MonthRef
	}
	base := q.Render(PromptData{
		SuggestedMonth: FormatMonthRef(f.Context.SuggestedMonthRef),
		MonthRef:       FormatMonthRef(monthRef),
	})

	var hints []string
	if !q.Required && q.AllowSkip {
		hints = append(hints, hintSkip)
	}
	if q.AllowKeep {
		hints = append(hints, hintKeep)
	}
	hints = append(hints, hintStatus)
	return base + "\n" + strings.Join(hints, " ")
}

// StatusMessage reports progress over the questions visible under the current answers.
func StatusMessage(def *Definition, f *models.FlowInstance) string {
	visible := def.Visible(f.Answers)
	answered := 0
	for _, q := range visible {
		if f.Answers.Has(q.FieldPath) {
			answered++
		}
	}
	if !def.EnforcesCore() {
		return fmt.Sprintf("Progresso do modulo: %d/%d perguntas respondidas.", answered, len(visible))
	}

	lines := []string{fmt.Sprintf("Progresso: %d/%d perguntas respondidas.", answered, len(visible))}
	if pending := def.PendingCore(f.Answers); len(pending) > 0 {
		lines = append(lines, fmt.Sprintf("Pendencias do nucleo obrigatorio: %s.", strings.Join(pending, ", ")))
	} else {
		lines = append(lines, "Nucleo obrigatorio concluido.")
	}
	return strings.Join(lines, "\n")
}
