package flow

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/rochaturbo/RochaTurbo/internal/answers"
	"github.com/rochaturbo/RochaTurbo/internal/models"
	"github.com/rochaturbo/RochaTurbo/internal/parser"
)

// Question is one step of a wizard.
type Question struct {
	Key           string      `yaml:"key"`
	FieldPath     string      `yaml:"field_path"`
	Parser        parser.Kind `yaml:"parser"`
	Options       []string    `yaml:"options,omitempty"`
	MinSelections int         `yaml:"min_selections,omitempty"`
	MaxSelections int         `yaml:"max_selections,omitempty"`
	Required      bool        `yaml:"required"`
	CoreRequired  bool        `yaml:"core_required"`
	AllowSkip     bool        `yaml:"allow_skip"`
	AllowKeep     bool        `yaml:"allow_keep"`
	When          *Predicate  `yaml:"when,omitempty"`
	Prompt        string      `yaml:"prompt"`

	tmpl *template.Template
}

// PromptData is the context available to prompt templates.
type PromptData struct {
	SuggestedMonth string
	MonthRef       string
}

// ParserOptions returns the settings passed to the parser for this question.
func (q *Question) ParserOptions() parser.Options {
	return parser.Options{Choices: q.Options, MinSelections: q.MinSelections, MaxSelections: q.MaxSelections}
}

// Visible reports whether the question applies under doc.
func (q *Question) Visible(doc answers.Object) bool {
	return q.When.Eval(doc)
}

// Render returns the question prompt for data.
func (q *Question) Render(data PromptData) string {
	if q.tmpl == nil {
		return q.Prompt
	}
	var buf bytes.Buffer
	if err := q.tmpl.Execute(&buf, data); err != nil {
		return q.Prompt
	}
	return buf.String()
}

// Definition is the immutable description of a wizard.
type Definition struct {
	Type        models.FlowType `yaml:"type"`
	Wizard      string          `yaml:"wizard,omitempty"`
	Module      string          `yaml:"module,omitempty"`
	MenuLabel   string          `yaml:"menu_label,omitempty"`
	InitialStep string          `yaml:"initial_step"`
	Questions   []Question      `yaml:"questions"`

	index map[string]int
}

// Question returns the question with key, or nil.
func (d *Definition) Question(key string) *Question {
	i, ok := d.index[key]
	if !ok {
		return nil
	}
	return &d.Questions[i]
}

// Visible returns the questions that apply under doc, in definition order.
func (d *Definition) Visible(doc answers.Object) []*Question {
	out := make([]*Question, 0, len(d.Questions))
	for i := range d.Questions {
		if d.Questions[i].Visible(doc) {
			out = append(out, &d.Questions[i])
		}
	}
	return out
}

// Next returns the first visible question positioned after key, evaluated against doc.
// It returns nil when no visible question remains.
func (d *Definition) Next(doc answers.Object, key string) *Question {
	start, ok := d.index[key]
	if !ok {
		start = -1
	}
	for i := start + 1; i < len(d.Questions); i++ {
		if d.Questions[i].Visible(doc) {
			return &d.Questions[i]
		}
	}
	return nil
}

// Previous returns the nearest visible question positioned before key, or nil at the start.
func (d *Definition) Previous(doc answers.Object, key string) *Question {
	start, ok := d.index[key]
	if !ok {
		return nil
	}
	for i := start - 1; i >= 0; i-- {
		if d.Questions[i].Visible(doc) {
			return &d.Questions[i]
		}
	}
	return nil
}

// Resolve maps a stored step key to the question to ask now. A step hidden by the current
// answers moves forward to the next visible question. Nil means nothing is left to ask.
func (d *Definition) Resolve(doc answers.Object, key string) *Question {
	q := d.Question(key)
	if q == nil {
		return nil
	}
	if q.Visible(doc) {
		return q
	}
	return d.Next(doc, key)
}

// CoreKeys returns the keys of core-required questions in order.
func (d *Definition) CoreKeys() []string {
	var keys []string
	for i := range d.Questions {
		if d.Questions[i].CoreRequired {
			keys = append(keys, d.Questions[i].Key)
		}
	}
	return keys
}

// PendingCore lists core-required keys whose field is still blank in doc.
func (d *Definition) PendingCore(doc answers.Object) []string {
	var pending []string
	for i := range d.Questions {
		q := &d.Questions[i]
		if !q.CoreRequired {
			continue
		}
		v, ok := doc.Get(q.FieldPath)
		if answers.IsBlank(v, ok) {
			pending = append(pending, q.Key)
		}
	}
	return pending
}

// EnforcesCore reports whether diversion and early finish are gated on the core set.
func (d *Definition) EnforcesCore() bool {
	return len(d.CoreKeys()) > 0
}

// compile validates the definition and prepares lookup tables and prompt templates.
func (d *Definition) compile(name string) error {
	if d.Type != models.FlowTypeOnboarding && d.Type != models.FlowTypeModule {
		return fmt.Errorf("%s: unknown flow type %q", name, d.Type)
	}
	if d.Type == models.FlowTypeModule && (d.Wizard == "" || d.MenuLabel == "") {
		return fmt.Errorf("%s: module definitions need wizard and menu_label", name)
	}
	if len(d.Questions) == 0 {
		return fmt.Errorf("%s: no questions", name)
	}

	d.index = make(map[string]int, len(d.Questions))
	paths := make(map[string]bool, len(d.Questions))
	for i := range d.Questions {
		q := &d.Questions[i]
		if q.Key == "" || q.FieldPath == "" {
			return fmt.Errorf("%s: question %d needs key and field_path", name, i)
		}
		if _, dup := d.index[q.Key]; dup {
			return fmt.Errorf("%s: duplicate question key %q", name, q.Key)
		}
		if !q.Parser.Valid() {
			return fmt.Errorf("%s: question %q uses unknown parser %q", name, q.Key, q.Parser)
		}
		if q.Parser == parser.MultiSelect && len(q.Options) == 0 {
			return fmt.Errorf("%s: multi_select question %q has no options", name, q.Key)
		}
		if q.MaxSelections > 0 && q.MinSelections > q.MaxSelections {
			return fmt.Errorf("%s: question %q has min_selections above max_selections", name, q.Key)
		}
		if q.CoreRequired && (!q.Required || q.When != nil) {
			return fmt.Errorf("%s: core question %q must be required and always visible", name, q.Key)
		}
		if strings.TrimSpace(q.Prompt) == "" {
			return fmt.Errorf("%s: question %q has no prompt", name, q.Key)
		}
		if err := q.When.validate(); err != nil {
			return fmt.Errorf("%s: question %q: %w", name, q.Key, err)
		}
		for _, field := range q.When.fields() {
			if !paths[field] {
				return fmt.Errorf("%s: question %q depends on %q which is not asked earlier", name, q.Key, field)
			}
		}
		if strings.Contains(q.Prompt, "{{") {
			tmpl, err := template.New(q.Key).Option("missingkey=error").Parse(q.Prompt)
			if err != nil {
				return fmt.Errorf("%s: question %q prompt: %w", name, q.Key, err)
			}
			q.tmpl = tmpl
		}
		d.index[q.Key] = i
		paths[q.FieldPath] = true
	}

	initial := d.Question(d.InitialStep)
	if initial == nil {
		return fmt.Errorf("%s: initial step %q not found", name, d.InitialStep)
	}
	if initial.When != nil {
		return fmt.Errorf("%s: initial step %q must be always visible", name, d.InitialStep)
	}
	return nil
}
