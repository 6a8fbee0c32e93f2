package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
)

func TestPredicateEval(t *testing.T) {
	doc := answers.Object{
		"objetivos": answers.Array{answers.String("volume"), answers.String("Conveniência")},
		"_meta":     answers.Object{"tem_troca_oleo": answers.Bool(true)},
		"tipo":      answers.String("urbano"),
		"vazio":     answers.String("  "),
	}

	tests := []struct {
		name string
		pred *Predicate
		want bool
	}{
		{"nil always holds", nil, true},
		{"contains in array", &Predicate{Field: "objetivos", Contains: "volume"}, true},
		{"contains ignores accents", &Predicate{Field: "objetivos", Contains: "conveniencia"}, true},
		{"contains misses", &Predicate{Field: "objetivos", Contains: "troca_oleo"}, false},
		{"contains on string", &Predicate{Field: "tipo", Contains: "URBANO"}, true},
		{"equals bool", &Predicate{Field: "_meta.tem_troca_oleo", Equals: "true"}, true},
		{"equals missing field", &Predicate{Field: "_meta.tem_conveniencia", Equals: "true"}, false},
		{"presence", &Predicate{Field: "tipo"}, true},
		{"presence of blank", &Predicate{Field: "vazio"}, false},
		{"any", &Predicate{Any: []Predicate{
			{Field: "objetivos", Contains: "fidelizacao"},
			{Field: "objetivos", Contains: "volume"},
		}}, true},
		{"all", &Predicate{All: []Predicate{
			{Field: "objetivos", Contains: "volume"},
			{Field: "tipo", Equals: "rodoviario"},
		}}, false},
		{"not", &Predicate{Not: &Predicate{Field: "tipo", Equals: "misto"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.pred.Eval(doc))
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	assert.NoError(t, (*Predicate)(nil).validate())
	assert.Error(t, (&Predicate{}).validate())
	assert.Error(t, (&Predicate{Contains: "x"}).validate())
	assert.Error(t, (&Predicate{Field: "a", Contains: "x", Equals: "y"}).validate())
	assert.Error(t, (&Predicate{Any: []Predicate{{}}}).validate())
	assert.NoError(t, (&Predicate{Not: &Predicate{Field: "a"}}).validate())
}

func TestPredicateFields(t *testing.T) {
	p := &Predicate{
		Any: []Predicate{{Field: "a"}, {Field: "b"}},
		Not: &Predicate{Field: "c"},
	}
	assert.ElementsMatch(t, []string{"a", "b", "c"}, p.fields())
}
