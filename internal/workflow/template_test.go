package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/models"
)

func TestBuiltinProviderHasFeatureTemplate(t *testing.T) {
	p := NewBuiltinProvider()

	tmpl, err := p.Template("feature")
	require.NoError(t, err)
	require.NoError(t, tmpl.Validate())
	assert.Len(t, tmpl.Phases, 4)
	assert.Equal(t, models.PhaseKindExplore, tmpl.Phases[0].Kind)
	assert.True(t, tmpl.Phases[1].RequiresApproval, "design is gated")

	_, err = p.Template("nope")
	assert.Error(t, err)
	assert.Equal(t, []string{"feature"}, p.Names())
}

func TestLoadTemplateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hotfix.yaml")
	data := `name: hotfix
phases:
  - name: Fix
    kind: implement
    agents:
      - kind: implement
        task: apply the fix
  - name: Verify
    kind: review
    requires_approval: true
    agents:
      - kind: review
        task: verify the fix
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	tmpl, err := LoadTemplateFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hotfix", tmpl.Name)
	require.Len(t, tmpl.Phases, 2)
	assert.Equal(t, models.PhaseKindImplement, tmpl.Phases[0].Kind)
	assert.True(t, tmpl.Phases[1].RequiresApproval)
	assert.Equal(t, "verify the fix", tmpl.Phases[1].Agents[0].Task)
}

func TestValidateRejectsForwardDependency(t *testing.T) {
	tmpl := &Template{Name: "bad", Phases: []PhaseDef{
		{Name: "P", Kind: models.PhaseKindCustom, Agents: []AgentDef{
			{Kind: models.AgentKindCustom, Task: "a", DependsOn: []int{1}},
			{Kind: models.AgentKindCustom, Task: "b"},
		}},
	}}
	assert.Error(t, tmpl.Validate())

	assert.Error(t, (&Template{Name: "empty"}).Validate())
	assert.Error(t, (&Template{Phases: []PhaseDef{{Name: "p"}}}).Validate())
}
