package workflow

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joescharf/conductor/internal/models"
)

// AgentDef is the generation rule for one agent inside a phase.
type AgentDef struct {
	Kind models.AgentKind `yaml:"kind"`
	Task string           `yaml:"task"`
	// DependsOn lists indices of earlier agents in the same phase this
	// agent must wait for.
	DependsOn []int                  `yaml:"depends_on,omitempty"`
	Overrides models.ConfigOverrides `yaml:"-"`
	Model     string                 `yaml:"model,omitempty"`
}

// PhaseDef describes one ordered stage of a template.
type PhaseDef struct {
	Name             string           `yaml:"name"`
	Kind             models.PhaseKind `yaml:"kind"`
	RequiresApproval bool             `yaml:"requires_approval"`
	Agents           []AgentDef       `yaml:"agents"`
}

// Template is an ordered list of phase definitions a workflow is
// instantiated from.
type Template struct {
	Name   string     `yaml:"name"`
	Phases []PhaseDef `yaml:"phases"`
}

// Validate rejects templates an engine cannot execute.
func (t *Template) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("template has no name")
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("template %s has no phases", t.Name)
	}
	for pi, p := range t.Phases {
		for ai, a := range p.Agents {
			for _, dep := range a.DependsOn {
				if dep < 0 || dep >= ai {
					return fmt.Errorf("template %s phase %d agent %d: depends_on %d must reference an earlier agent", t.Name, pi, ai, dep)
				}
			}
		}
	}
	return nil
}

// TemplateProvider supplies templates by name.
type TemplateProvider interface {
	Template(name string) (*Template, error)
	Names() []string
}

// BuiltinProvider serves the stock explore→design→implement→review
// template plus any registered extras.
type BuiltinProvider struct {
	templates map[string]*Template
}

// NewBuiltinProvider creates a provider with the stock templates.
func NewBuiltinProvider() *BuiltinProvider {
	p := &BuiltinProvider{templates: make(map[string]*Template)}
	p.Register(defaultTemplate())
	return p
}

func defaultTemplate() *Template {
	return &Template{
		Name: "feature",
		Phases: []PhaseDef{
			{
				Name: "Explore",
				Kind: models.PhaseKindExplore,
				Agents: []AgentDef{
					{Kind: models.AgentKindExplore, Task: "Survey the codebase and summarize the areas relevant to the task."},
				},
			},
			{
				Name:             "Design",
				Kind:             models.PhaseKindDesign,
				RequiresApproval: true,
				Agents: []AgentDef{
					{Kind: models.AgentKindDesign, Task: "Produce a design for the task, grounded in the exploration summary."},
				},
			},
			{
				Name: "Implement",
				Kind: models.PhaseKindImplement,
				Agents: []AgentDef{
					{Kind: models.AgentKindImplement, Task: "Implement the approved design."},
				},
			},
			{
				Name:             "Review",
				Kind:             models.PhaseKindReview,
				RequiresApproval: true,
				Agents: []AgentDef{
					{Kind: models.AgentKindReview, Task: "Review the implementation for correctness and style.", DependsOn: nil},
				},
			},
		},
	}
}

// Register adds or replaces a template.
func (p *BuiltinProvider) Register(t *Template) {
	p.templates[t.Name] = t
}

// Template returns the named template.
func (p *BuiltinProvider) Template(name string) (*Template, error) {
	t, ok := p.templates[name]
	if !ok {
		return nil, fmt.Errorf("unknown template %q", name)
	}
	return t, nil
}

// Names lists registered template names, sorted.
func (p *BuiltinProvider) Names() []string {
	names := make([]string, 0, len(p.templates))
	for n := range p.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// LoadTemplateFile parses a YAML template file.
func LoadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
