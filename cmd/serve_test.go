package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/control"
	"github.com/joescharf/conductor/internal/daemon"
	"github.com/joescharf/conductor/internal/workflow"
)

func TestServeStopRun_NotRunning(t *testing.T) {
	testEnv(t)

	err := serveStopRun()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running daemon")
}

func TestPidFile_RoundTrip(t *testing.T) {
	dir := testEnv(t)

	pf := daemon.NewPIDFile(filepath.Join(dir, "conductor.pid"))
	require.NoError(t, pf.Write())
	t.Cleanup(func() { _ = os.Remove(pf.Path) })

	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestRegisterTemplates_LoadsYAML(t *testing.T) {
	dir := testEnv(t)

	tmplDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(tmplDir, 0o755))
	tmpl := `name: hotfix
phases:
  - name: Fix
    kind: implement
    agents:
      - kind: implement
        task: apply the fix
`
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "hotfix.yaml"), []byte(tmpl), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "broken.yaml"), []byte("phases: []"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmplDir, "notes.txt"), []byte("ignore"), 0o644))

	plane := control.New(control.Config{
		Agent: agent.Config{DependencyTimeout: time.Second},
	}, &backend.Fake{Reply: "ok"}, nil)
	t.Cleanup(plane.Manager.Reset)

	registerTemplates(plane)

	names := plane.Templates.Names()
	assert.Contains(t, names, "hotfix")
	assert.NotContains(t, names, "broken")

	loaded, err := plane.Templates.Template("hotfix")
	require.NoError(t, err)
	require.Len(t, loaded.Phases, 1)
	assert.Equal(t, workflow.PhaseDef{
		Name: "Fix",
		Kind: "implement",
		Agents: []workflow.AgentDef{
			{Kind: "implement", Task: "apply the fix"},
		},
	}, loaded.Phases[0])
}

func TestRegisterTemplates_MissingDirIsFine(t *testing.T) {
	testEnv(t)

	plane := control.New(control.Config{
		Agent: agent.Config{DependencyTimeout: time.Second},
	}, &backend.Fake{Reply: "ok"}, nil)
	t.Cleanup(plane.Manager.Reset)

	registerTemplates(plane)
	assert.Equal(t, []string{"feature"}, plane.Templates.Names())
}
