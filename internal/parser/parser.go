// Package parser converts free-text chat replies into typed answer values.
//
// Parsing is pure and locale specific (Brazilian Portuguese). Failures are returned as
// validation errors whose message is shown to the user as a corrective hint.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/apperrors"
	"github.com/rochaturbo/RochaTurbo/internal/util"
)

// Kind names a parser.
type Kind string

const (
	Text          Kind = "text"
	NumberBR      Kind = "number_br"
	PercentageBR  Kind = "percentage_br"
	OperationType Kind = "operation_type"
	Shift         Kind = "shift"
	MonthRef      Kind = "month_ref"
	MultiSelect   Kind = "multi_select"
	YesNo         Kind = "yes_no"
)

// Kinds lists every supported parser kind.
var Kinds = []Kind{Text, NumberBR, PercentageBR, OperationType, Shift, MonthRef, MultiSelect, YesNo}

// Valid reports whether k is a supported parser kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// MaxPercentage is the upper bound accepted by percentage_br. Values above it are rejected.
const MaxPercentage = 100.0

// UseSuggestedMonth is returned by month_ref for affirmations. The caller resolves it to the
// flow's suggested reference period.
const UseSuggestedMonth = "use_suggested"

// Options carries the per-question settings some kinds need.
type Options struct {
	Choices       []string
	MinSelections int
	MaxSelections int
}

var (
	operationAliases = []alias{
		{value: "urbano", names: []string{"urbano", "u"}},
		{value: "rodoviario", names: []string{"rodoviario", "r"}},
		{value: "misto", names: []string{"misto", "m"}},
	}
	shiftAliases = []alias{
		{value: "12x36", names: []string{"12x36"}},
		{value: "8h", names: []string{"8h", "8hora", "8horas", "8"}},
	}
	affirmations = map[string]bool{"sim": true, "ok": true, "certo": true, "confirmo": true, "manter": true}
	yesWords     = map[string]bool{"sim": true, "s": true, "yes": true, "y": true}
	noWords      = map[string]bool{"nao": true, "n": true, "no": true}

	monthFirst = regexp.MustCompile(`^(\d{1,2})[/-](\d{4})$`)
	yearFirst  = regexp.MustCompile(`^(\d{4})[/-](\d{1,2})$`)
	numberJunk = regexp.MustCompile(`[^0-9.\-]`)
)

type alias struct {
	value string
	names []string
}

// Parse converts input according to kind.
func Parse(input string, kind Kind, opts Options) (answers.Value, error) {
	switch kind {
	case Text:
		return parseText(input)
	case NumberBR:
		return parseNumberBR(input)
	case PercentageBR:
		return parsePercentageBR(input)
	case OperationType:
		return matchAlias(input, operationAliases, false, "Responda com: urbano, rodoviario ou misto.")
	case Shift:
		return matchAlias(input, shiftAliases, true, "Responda com: 12x36 ou 8h.")
	case MonthRef:
		return parseMonthRef(input)
	case MultiSelect:
		return parseMultiSelect(input, opts)
	case YesNo:
		return parseYesNo(input)
	default:
		return nil, apperrors.Validation("Parser nao suportado.", fmt.Errorf("unknown parser kind %q", kind))
	}
}

func invalid(message string) error {
	return apperrors.Validation(message, nil)
}

func parseText(input string) (answers.Value, error) {
	value := util.CollapseSpaces(input)
	if value == "" {
		return nil, invalid("Resposta vazia. Envie um texto valido.")
	}
	return answers.String(value), nil
}

func parseNumberBR(input string) (answers.Value, error) {
	cleaned := strings.Join(strings.Fields(input), "")
	cleaned = strings.ReplaceAll(cleaned, ".", "")
	cleaned = strings.Replace(cleaned, ",", ".", 1)
	cleaned = numberJunk.ReplaceAllString(cleaned, "")
	if cleaned == "" {
		return nil, invalid("Nao consegui ler o numero. Ex.: 1234,56")
	}
	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || value < 0 {
		return nil, invalid("Informe um numero valido e nao negativo.")
	}
	return answers.Number(value), nil
}

func parsePercentageBR(input string) (answers.Value, error) {
	parsed, err := parseNumberBR(strings.ReplaceAll(input, "%", ""))
	if err != nil {
		return nil, err
	}
	if float64(parsed.(answers.Number)) > MaxPercentage {
		return nil, invalid("Percentual deve estar entre 0 e 100. Confira e envie novamente.")
	}
	return parsed, nil
}

func matchAlias(input string, aliases []alias, dropSpaces bool, message string) (answers.Value, error) {
	normalized := util.Normalize(input)
	if dropSpaces {
		normalized = strings.ReplaceAll(normalized, " ", "")
	}
	for _, candidate := range aliases {
		for _, name := range candidate.names {
			if normalized == name {
				return answers.String(candidate.value), nil
			}
		}
	}
	return nil, invalid(message)
}

func parseMonthRef(input string) (answers.Value, error) {
	normalized := util.Normalize(input)
	if affirmations[normalized] {
		return answers.String(UseSuggestedMonth), nil
	}
	if m := monthFirst.FindStringSubmatch(normalized); m != nil {
		if ref, ok := monthToken(m[2], m[1]); ok {
			return answers.String(ref), nil
		}
	}
	if m := yearFirst.FindStringSubmatch(normalized); m != nil {
		if ref, ok := monthToken(m[1], m[2]); ok {
			return answers.String(ref), nil
		}
	}
	return nil, invalid("Envie no formato MM/AAAA (ex.: 01/2026) ou responda 'sim'.")
}

func monthToken(yearText, monthText string) (string, bool) {
	year, err := strconv.Atoi(yearText)
	if err != nil {
		return "", false
	}
	month, err := strconv.Atoi(monthText)
	if err != nil || month < 1 || month > 12 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-01", year, month), true
}

func parseMultiSelect(input string, opts Options) (answers.Value, error) {
	validList := "Opcoes validas: " + strings.Join(opts.Choices, ", ") + "."
	if util.CollapseSpaces(input) == "" {
		return nil, invalid("Informe ao menos uma opcao. " + validList)
	}

	canonical := make(map[string]string, len(opts.Choices))
	for _, choice := range opts.Choices {
		canonical[util.Normalize(choice)] = choice
	}

	seen := make(map[string]bool)
	var selected answers.Array
	for _, raw := range strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == ';' }) {
		token := util.Normalize(raw)
		choice, ok := canonical[token]
		if token == "" || !ok || seen[choice] {
			continue
		}
		seen[choice] = true
		selected = append(selected, answers.String(choice))
	}

	if len(selected) == 0 {
		return nil, invalid(validList)
	}
	if opts.MaxSelections > 0 && len(selected) > opts.MaxSelections {
		return nil, invalid(fmt.Sprintf("Escolha no maximo %d opcoes. %s", opts.MaxSelections, validList))
	}
	if opts.MinSelections > 0 && len(selected) < opts.MinSelections {
		return nil, invalid(fmt.Sprintf("Escolha ao menos %d opcoes. %s", opts.MinSelections, validList))
	}
	return selected, nil
}

func parseYesNo(input string) (answers.Value, error) {
	normalized := util.Normalize(input)
	if yesWords[normalized] {
		return answers.Bool(true), nil
	}
	if noWords[normalized] {
		return answers.Bool(false), nil
	}
	return nil, invalid("Responda com sim ou nao.")
}
