package flow

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadRegistry()
	require.NoError(t, err)
	return reg
}

func TestLoadRegistry(t *testing.T) {
	reg := mustRegistry(t)

	onboarding := reg.Onboarding()
	require.NotNil(t, onboarding)
	assert.Equal(t, "month_ref", onboarding.InitialStep)
	assert.Equal(t, []string{
		"a_tipo_posto", "b_volume_diesel_l", "c_volume_otto_l",
		"g_qtd_frentistas", "h_turno", "aa_qtd_abastecimentos_mes",
	}, onboarding.CoreKeys())

	for _, wizard := range wizardOrder {
		def, ok := reg.Module(wizard)
		require.True(t, ok, wizard)
		assert.Equal(t, models.FlowTypeModule, def.Type)
		assert.NotNil(t, def.Question(def.InitialStep))
	}

	def, ok := reg.ForFlow(&models.FlowInstance{FlowType: models.FlowTypeModule, Context: models.FlowContext{ModuleWizard: "swot"}})
	require.True(t, ok)
	assert.Equal(t, "Analise SWOT", def.MenuLabel)

	_, ok = reg.ForFlow(&models.FlowInstance{FlowType: models.FlowTypeModule, Context: models.FlowContext{ModuleWizard: "legacy"}})
	assert.False(t, ok)
}

func TestDefinitionVisibilityNavigation(t *testing.T) {
	def := mustRegistry(t).Onboarding()

	doc := answers.Object{}
	doc.Set("_meta.tem_troca_oleo", answers.Bool(false))
	next := def.Next(doc, "tem_troca_oleo")
	require.NotNil(t, next)
	assert.Equal(t, "tem_conveniencia", next.Key)

	doc.Set("_meta.tem_troca_oleo", answers.Bool(true))
	next = def.Next(doc, "tem_troca_oleo")
	require.NotNil(t, next)
	assert.Equal(t, "l_faturamento_troca_oleo", next.Key)

	// A stored step hidden by a changed answer resolves to the next visible question.
	doc.Set("_meta.tem_troca_oleo", answers.Bool(false))
	resolved := def.Resolve(doc, "n_margem_media_troca_pct")
	require.NotNil(t, resolved)
	assert.Equal(t, "tem_conveniencia", resolved.Key)

	prev := def.Previous(doc, "tem_conveniencia")
	require.NotNil(t, prev)
	assert.Equal(t, "tem_troca_oleo", prev.Key)
	assert.Nil(t, def.Previous(doc, "month_ref"))

	doc.Set("_meta.tem_conveniencia", answers.Bool(false))
	assert.Nil(t, def.Next(doc, "tem_conveniencia"))
}

func TestDefinitionPendingCore(t *testing.T) {
	def := mustRegistry(t).Onboarding()
	doc := answers.Object{
		"a_tipo_posto":      answers.String("urbano"),
		"b_volume_diesel_l": answers.Number(1000),
		"c_volume_otto_l":   answers.Null{},
		"h_turno":           answers.String(" "),
	}
	assert.Equal(t, []string{"c_volume_otto_l", "g_qtd_frentistas", "h_turno", "aa_qtd_abastecimentos_mes"}, def.PendingCore(doc))
	assert.True(t, def.EnforcesCore())

	swot, _ := mustRegistry(t).Module("swot")
	assert.False(t, swot.EnforcesCore())
}

const validModule = `type: module
wizard: padrao
module: padrao
menu_label: Padrao
initial_step: a
questions:
  - key: a
    field_path: a
    parser: text
    required: true
    prompt: "A?"
`

func registryFS(files map[string]string) fstest.MapFS {
	fsys := fstest.MapFS{}
	for name, body := range files {
		fsys[name] = &fstest.MapFile{Data: []byte(body)}
	}
	return fsys
}

func TestParseRegistryRejectsInvalidDefinitions(t *testing.T) {
	onboarding := `type: onboarding
initial_step: a
questions:
  - key: a
    field_path: a
    parser: text
    required: true
    core_required: true
    prompt: "A?"
`
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "no onboarding",
			files: map[string]string{"padrao.yaml": validModule},
			want:  "no onboarding definition",
		},
		{
			name:  "missing wizard",
			files: map[string]string{"onboarding.yaml": onboarding, "padrao.yaml": validModule},
			want:  "missing module wizard",
		},
		{
			name: "duplicate key",
			files: map[string]string{"onboarding.yaml": onboarding + `  - key: a
    field_path: b
    parser: text
    prompt: "B?"
`},
			want: "duplicate question key",
		},
		{
			name: "unknown parser",
			files: map[string]string{"onboarding.yaml": onboarding + `  - key: b
    field_path: b
    parser: cpf
    prompt: "B?"
`},
			want: "unknown parser",
		},
		{
			name: "multi select without options",
			files: map[string]string{"onboarding.yaml": onboarding + `  - key: b
    field_path: b
    parser: multi_select
    prompt: "B?"
`},
			want: "has no options",
		},
		{
			name: "predicate on later field",
			files: map[string]string{"onboarding.yaml": onboarding + `  - key: b
    field_path: b
    parser: text
    when: {field: c, equals: "x"}
    prompt: "B?"
  - key: c
    field_path: c
    parser: text
    prompt: "C?"
`},
			want: "not asked earlier",
		},
		{
			name: "missing initial step",
			files: map[string]string{"onboarding.yaml": `type: onboarding
initial_step: z
questions:
  - key: a
    field_path: a
    parser: text
    required: true
    core_required: true
    prompt: "A?"
`},
			want: "initial step",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry(registryFS(tt.files))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQuestionRenderTemplate(t *testing.T) {
	q := mustRegistry(t).Onboarding().Question("month_ref")
	require.NotNil(t, q)
	assert.Contains(t, q.Render(PromptData{SuggestedMonth: "01/2026"}), "diagnostico do mes 01/2026")
}
