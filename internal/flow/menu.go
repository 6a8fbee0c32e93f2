package flow

import (
	"regexp"
	"strings"

	"github.com/rochaturbo/RochaTurbo/internal/util"
)

// Selection is the outcome of a numeric main menu choice.
type Selection string

const (
	SelectionNone       Selection = ""
	SelectionOnboarding Selection = "onboarding"
	SelectionFreeform   Selection = "freeform"
)

var menuLines = []string{
	"Menu Rocha Turbo:",
	"1) Diagnostico mensal",
	"2) Padrao de atendimento",
	"3) Checklist",
	"4) Promocao",
	"5) KPI",
	"6) Marketing",
	"7) SWOT",
	"8) Pergunta livre (IA)",
	"Comandos: menu | status | voltar | pular | manter | encerrar",
}

// MenuText returns the main menu.
func MenuText() string {
	return strings.Join(menuLines, "\n")
}

// DetectMenuSelection maps "1".."8" to onboarding, a module wizard or free question.
func DetectMenuSelection(text string) Selection {
	switch strings.TrimSpace(text) {
	case "1":
		return SelectionOnboarding
	case "2", "3", "4", "5", "6", "7":
		n := int(strings.TrimSpace(text)[0] - '2')
		return Selection(wizardOrder[n])
	case "8":
		return SelectionFreeform
	}
	return SelectionNone
}

// IsModule reports whether the selection names a module wizard.
func (s Selection) IsModule() bool {
	return s != SelectionNone && s != SelectionOnboarding && s != SelectionFreeform
}

var moduleKeywords = []struct {
	wizard  string
	pattern *regexp.Regexp
}{
	{"swot", regexp.MustCompile(`swot|fofa`)},
	{"checklist", regexp.MustCompile(`checklist`)},
	{"promocao", regexp.MustCompile(`promocao|campanha`)},
	{"marketing", regexp.MustCompile(`marketing|instagram|reels`)},
	{"padrao", regexp.MustCompile(`padrao|atendimento`)},
	{"kpi", regexp.MustCompile(`kpi|indicador|pareto|ishikawa|histograma`)},
}

// DetectModuleByText returns the wizard named by a keyword in text, or "".
func DetectModuleByText(text string) string {
	normalized := util.Normalize(text)
	for _, kw := range moduleKeywords {
		if kw.pattern.MatchString(normalized) {
			return kw.wizard
		}
	}
	return ""
}

var diversionPattern = regexp.MustCompile(`menu|kpi|promoc|marketing|swot|checklist|padrao|dashboard|indicador`)

// SeemsDiversion reports whether text looks like an attempt to leave the current flow.
func SeemsDiversion(text string) bool {
	if DetectMenuSelection(text) != SelectionNone || DetectModuleByText(text) != "" {
		return true
	}
	return diversionPattern.MatchString(util.Normalize(text))
}
