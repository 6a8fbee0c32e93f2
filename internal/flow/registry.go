package flow

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rochaturbo/RochaTurbo/internal/models"
)

//go:embed definitions/*.yaml
var embeddedDefinitions embed.FS

// Menu order of the module wizards, matching options 2..7 of the main menu.
var wizardOrder = []string{"padrao", "checklist", "promocao", "kpi", "marketing", "swot"}

// Registry holds the compiled flow definitions.
type Registry struct {
	onboarding *Definition
	modules    map[string]*Definition
}

// LoadRegistry compiles the definitions embedded in the binary.
func LoadRegistry() (*Registry, error) {
	sub, err := fs.Sub(embeddedDefinitions, "definitions")
	if err != nil {
		return nil, err
	}
	return ParseRegistry(sub)
}

// ParseRegistry compiles every *.yaml file of fsys. Exactly one onboarding definition is
// required and every wizard of the main menu must be present.
func ParseRegistry(fsys fs.FS) (*Registry, error) {
	files, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)

	reg := &Registry{modules: make(map[string]*Definition)}
	for _, name := range files {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var def Definition
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if err := def.compile(path.Base(name)); err != nil {
			return nil, err
		}
		switch def.Type {
		case models.FlowTypeOnboarding:
			if reg.onboarding != nil {
				return nil, fmt.Errorf("%s: duplicate onboarding definition", name)
			}
			if !def.EnforcesCore() {
				return nil, fmt.Errorf("%s: onboarding needs core_required questions", name)
			}
			reg.onboarding = &def
		case models.FlowTypeModule:
			if _, dup := reg.modules[def.Wizard]; dup {
				return nil, fmt.Errorf("%s: duplicate wizard %q", name, def.Wizard)
			}
			reg.modules[def.Wizard] = &def
		}
	}

	if reg.onboarding == nil {
		return nil, fmt.Errorf("no onboarding definition")
	}
	for _, wizard := range wizardOrder {
		if _, ok := reg.modules[wizard]; !ok {
			return nil, fmt.Errorf("missing module wizard %q", wizard)
		}
	}
	slog.Debug("Registry loaded", "modules", len(reg.modules), "onboardingQuestions", len(reg.onboarding.Questions))
	return reg, nil
}

// Onboarding returns the monthly diagnosis definition.
func (r *Registry) Onboarding() *Definition {
	return r.onboarding
}

// Module returns the definition of a module wizard.
func (r *Registry) Module(wizard string) (*Definition, bool) {
	def, ok := r.modules[wizard]
	return def, ok
}

// ForFlow returns the definition driving f.
func (r *Registry) ForFlow(f *models.FlowInstance) (*Definition, bool) {
	switch f.FlowType {
	case models.FlowTypeOnboarding:
		return r.onboarding, true
	case models.FlowTypeModule:
		return r.Module(f.Context.ModuleWizard)
	default:
		return nil, false
	}
}
