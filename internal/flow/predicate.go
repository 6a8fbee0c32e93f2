package flow

import (
	"fmt"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/util"
)

// Predicate is a declarative visibility rule evaluated over the answer document.
//
// A leaf names a Field and one comparison (Contains or Equals). Any, All and Not combine
// other predicates. When several parts are set on the same node they must all hold.
type Predicate struct {
	Field    string      `yaml:"field,omitempty"`
	Contains string      `yaml:"contains,omitempty"`
	Equals   string      `yaml:"equals,omitempty"`
	Any      []Predicate `yaml:"any,omitempty"`
	All      []Predicate `yaml:"all,omitempty"`
	Not      *Predicate  `yaml:"not,omitempty"`
}

// Eval reports whether the predicate holds for doc. A nil predicate always holds.
func (p *Predicate) Eval(doc answers.Object) bool {
	if p == nil {
		return true
	}
	if p.Field != "" && !p.evalLeaf(doc) {
		return false
	}
	if len(p.Any) > 0 {
		matched := false
		for i := range p.Any {
			if p.Any[i].Eval(doc) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for i := range p.All {
		if !p.All[i].Eval(doc) {
			return false
		}
	}
	if p.Not != nil && p.Not.Eval(doc) {
		return false
	}
	return true
}

func (p *Predicate) evalLeaf(doc answers.Object) bool {
	value, ok := doc.Get(p.Field)
	if !ok {
		return false
	}
	if p.Contains != "" {
		want := util.Normalize(p.Contains)
		switch v := value.(type) {
		case answers.Array:
			for _, item := range v {
				if util.Normalize(answers.Text(item)) == want {
					return true
				}
			}
			return false
		case answers.String:
			return util.Normalize(string(v)) == want
		default:
			return false
		}
	}
	if p.Equals != "" {
		return util.Normalize(answers.Text(value)) == util.Normalize(p.Equals)
	}
	return !answers.IsBlank(value, true)
}

// fields returns every field path referenced by the predicate tree.
func (p *Predicate) fields() []string {
	if p == nil {
		return nil
	}
	var out []string
	if p.Field != "" {
		out = append(out, p.Field)
	}
	for i := range p.Any {
		out = append(out, p.Any[i].fields()...)
	}
	for i := range p.All {
		out = append(out, p.All[i].fields()...)
	}
	return append(out, p.Not.fields()...)
}

func (p *Predicate) validate() error {
	if p == nil {
		return nil
	}
	if p.Field == "" && len(p.Any) == 0 && len(p.All) == 0 && p.Not == nil {
		return fmt.Errorf("empty predicate")
	}
	if p.Field == "" && (p.Contains != "" || p.Equals != "") {
		return fmt.Errorf("comparison without field")
	}
	if p.Contains != "" && p.Equals != "" {
		return fmt.Errorf("field %q sets both contains and equals", p.Field)
	}
	for i := range p.Any {
		if err := p.Any[i].validate(); err != nil {
			return err
		}
	}
	for i := range p.All {
		if err := p.All[i].validate(); err != nil {
			return err
		}
	}
	return p.Not.validate()
}
