package flow

import (
	"regexp"

	"github.com/rochaturbo/RochaTurbo/internal/util"
)

// Intent is a coarse classification of a free-text message.
type Intent string

const (
	IntentPayment               Intent = "payment"
	IntentMonthlyDataCollection Intent = "monthly_data_collection"
	IntentComplianceGuidance    Intent = "compliance_guidance"
	IntentKPIExplain            Intent = "kpi_explain"
	IntentFAQ                   Intent = "faq"
)

var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentPayment, regexp.MustCompile(`pagamento|assinatura|cobranca|pix`)},
	{IntentMonthlyDataCollection, regexp.MustCompile(`lancar mes|dados do mes|dashboard|indicador|kpi`)},
	{IntentComplianceGuidance, regexp.MustCompile(`anp|inmetro|procon|lgpd|norma|conformidade`)},
	{IntentKPIExplain, regexp.MustCompile(`mix|gap|margem|frentista|conveniencia`)},
}

// InferIntent classifies text by keyword. Anything unmatched is a FAQ.
func InferIntent(text string) Intent {
	normalized := util.Normalize(text)
	for _, candidate := range intentPatterns {
		if candidate.pattern.MatchString(normalized) {
			return candidate.intent
		}
	}
	return IntentFAQ
}
