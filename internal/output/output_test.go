package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/models"
)

func newTestUI() (*UI, *bytes.Buffer, *bytes.Buffer) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	return &UI{Out: out, ErrOut: errOut}, out, errOut
}

func TestInfo(t *testing.T) {
	u, out, _ := newTestUI()
	u.Info("hello %s", "world")
	assert.Contains(t, out.String(), "hello world")
}

func TestSuccess(t *testing.T) {
	u, out, _ := newTestUI()
	u.Success("done %d", 42)
	assert.Contains(t, out.String(), "done 42")
}

func TestWarning(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Warning("careful %s", "now")
	assert.Contains(t, errOut.String(), "careful now")
}

func TestError(t *testing.T) {
	u, _, errOut := newTestUI()
	u.Error("failed %s", "badly")
	assert.Contains(t, errOut.String(), "failed badly")
}

func TestVerboseLog_Enabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = true
	u.VerboseLog("detail %d", 1)
	assert.Contains(t, out.String(), "detail 1")
}

func TestVerboseLog_Disabled(t *testing.T) {
	u, out, _ := newTestUI()
	u.Verbose = false
	u.VerboseLog("detail %d", 1)
	assert.Empty(t, out.String())
}

func TestColorHelpers(t *testing.T) {
	// Color helpers should return non-empty strings
	assert.NotEmpty(t, Cyan("test"))
	assert.NotEmpty(t, Green("test"))
	assert.NotEmpty(t, Yellow("test"))
	assert.NotEmpty(t, Red("test"))
}

func TestStatusColor(t *testing.T) {
	assert.NotEmpty(t, StatusColor("pending"))
	assert.NotEmpty(t, StatusColor("running"))
	assert.NotEmpty(t, StatusColor("completed"))
	assert.NotEmpty(t, StatusColor("error"))
	assert.NotEmpty(t, StatusColor("awaiting_approval"))
	assert.Equal(t, "unknown", StatusColor("unknown"))
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "-", FormatProgress(models.Progress{}))
	assert.Equal(t, "2/5", FormatProgress(models.Progress{Current: 2, Total: 5}))
	assert.Equal(t, "2/5 tests", FormatProgress(models.Progress{Current: 2, Total: 5, Description: "tests"}))
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", ShortID("abc"))
	assert.Equal(t, "NOPE1234", ShortID("01HXXXXXXXXXXXNOPE1234"))
}

func TestAgentTable(t *testing.T) {
	u, out, _ := newTestUI()
	agents := []*models.Agent{
		{ID: "01HAGENTAAAA", Kind: models.AgentKindImplement, Task: "build the thing\nsecond line",
			Status: models.AgentStatusRunning, Progress: models.Progress{Current: 1, Total: 3},
			CreatedAt: time.Now()},
	}
	require.NoError(t, u.AgentTable(agents))

	result := out.String()
	assert.Contains(t, result, "implement")
	assert.Contains(t, result, "build the thing")
	assert.NotContains(t, result, "second line")
	assert.Contains(t, result, "1/3")
}

func TestWorkflowTable(t *testing.T) {
	u, out, _ := newTestUI()
	w := &models.Workflow{
		ID: "01HWFAAAA", Name: "feature", Status: models.WorkflowStatusRunning,
		CurrentPhase: 1,
		Phases: []*models.Phase{
			{Name: "Explore", Kind: models.PhaseKindExplore, Status: models.PhaseStatusCompleted},
			{Name: "Design", Kind: models.PhaseKindDesign, Status: models.PhaseStatusRunning,
				RequiresApproval: true, AgentIDs: []string{"a1", "a2"}},
		},
	}
	require.NoError(t, u.WorkflowTable(w))

	result := out.String()
	assert.Contains(t, result, "feature")
	assert.Contains(t, result, "Explore")
	assert.Contains(t, result, "2*", "current phase is marked")
	assert.Contains(t, result, "required")
}
