package control

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/store"
	"github.com/joescharf/conductor/internal/stream"
	"github.com/joescharf/conductor/internal/workflow"
)

func testPlaneConfig() Config {
	return Config{
		Agent: agent.Config{
			MaxConcurrent:     4,
			DependencyTimeout: 2 * time.Second,
			DefaultModel:      "test-model",
		},
		Workflow: workflow.Config{CheckDelay: 5 * time.Millisecond},
	}
}

func newTestPlane(t *testing.T, st store.Store) (*Plane, *backend.Fake) {
	t.Helper()
	fake := &backend.Fake{Reply: "done"}
	p := New(testPlaneConfig(), fake, st)
	t.Cleanup(p.Manager.Reset)
	return p, fake
}

func newTestSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "conductor.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func waitAgent(t *testing.T, p *Plane, id string, want models.AgentStatus) *models.Agent {
	t.Helper()
	var got *models.Agent
	require.Eventually(t, func() bool {
		a, ok := p.Manager.Get(id)
		if !ok {
			return false
		}
		got = a
		return a.Status == want
	}, 3*time.Second, 2*time.Millisecond)
	return got
}

func TestAgentOutputTranscript(t *testing.T) {
	p, _ := newTestPlane(t, nil)

	id := p.Manager.Spawn(models.AgentKindImplement, "build", nil, models.ConfigOverrides{})
	waitAgent(t, p, id, models.AgentStatusCompleted)

	// The final message flows through the stream buffer into the transcript.
	require.Eventually(t, func() bool {
		out, err := p.AgentOutput(id)
		return err == nil && out != ""
	}, 3*time.Second, 2*time.Millisecond)

	out, err := p.AgentOutput(id)
	require.NoError(t, err)
	assert.Contains(t, out, "done")

	_, err = p.AgentOutput("nope")
	assert.Error(t, err)
}

func TestWorkflowRunsEndToEnd(t *testing.T) {
	p, _ := newTestPlane(t, nil)

	p.Templates.(*workflow.BuiltinProvider).Register(&workflow.Template{
		Name: "straight",
		Phases: []workflow.PhaseDef{
			{Name: "Explore", Kind: models.PhaseKindExplore, Agents: []workflow.AgentDef{
				{Kind: models.AgentKindExplore, Task: "survey"},
			}},
			{Name: "Implement", Kind: models.PhaseKindImplement, Agents: []workflow.AgentDef{
				{Kind: models.AgentKindImplement, Task: "build"},
			}},
		},
	})

	wf, err := p.StartWorkflow(context.Background(), "straight", "ship it")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusRunning, wf.Status)

	require.Eventually(t, func() bool {
		w := p.Engine.Workflow()
		return w != nil && w.Status == models.WorkflowStatusCompleted
	}, 5*time.Second, 5*time.Millisecond)

	w := p.Engine.Workflow()
	assert.Contains(t, w.PriorOutput, "done")

	st := p.Status()
	assert.Equal(t, 2, st.Agents[models.AgentStatusCompleted])
	assert.NotNil(t, st.Workflow)
}

func TestStartWorkflowUnknownTemplate(t *testing.T) {
	p, _ := newTestPlane(t, nil)

	_, err := p.StartWorkflow(context.Background(), "nope", "task")
	assert.Error(t, err)
}

func TestPersistAndRestore(t *testing.T) {
	st := newTestSQLite(t)

	p1, _ := newTestPlane(t, st)
	id := p1.Manager.Spawn(models.AgentKindImplement, "build", nil, models.ConfigOverrides{})
	waitAgent(t, p1, id, models.AgentStatusCompleted)

	// The terminal hook persists; wait for the snapshot to land.
	require.Eventually(t, func() bool {
		snap, err := st.LoadSnapshot(context.Background())
		return err == nil && len(snap.Agents) == 1
	}, 3*time.Second, 5*time.Millisecond)

	p2, _ := newTestPlane(t, st)
	require.NoError(t, p2.Restore(context.Background()))

	a, ok := p2.Manager.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.AgentStatusCompleted, a.Status)
	assert.Equal(t, "done", a.FinalMessage)
}

func TestRestoreRecoversWorkflowTemplate(t *testing.T) {
	st := newTestSQLite(t)

	p1, _ := newTestPlane(t, st)
	wf, err := p1.StartWorkflow(context.Background(), "feature", "add caching")
	require.NoError(t, err)
	require.NoError(t, p1.Persist(context.Background()))

	p2, _ := newTestPlane(t, st)
	require.NoError(t, p2.Restore(context.Background()))

	got := p2.Engine.Workflow()
	require.NotNil(t, got)
	assert.Equal(t, wf.ID, got.ID)
	assert.Equal(t, "add caching", p2.Engine.Task())
}

func TestWorkflowCommandsThroughQueue(t *testing.T) {
	p, _ := newTestPlane(t, nil)
	ctx := context.Background()

	_, err := p.StartWorkflow(ctx, "feature", "add caching")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		w := p.Engine.Workflow()
		return w.CurrentPhase == 1 && w.Phases[1].Status == models.PhaseStatusAwaitingApproval
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.RejectPhase(ctx, "", "not yet"))
	require.NoError(t, p.RetryWorkflow(ctx))

	require.Eventually(t, func() bool {
		return p.Engine.Workflow().Phases[1].Status == models.PhaseStatusAwaitingApproval
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.ApprovePhase(ctx, ""))
	require.NoError(t, p.CancelWorkflow(ctx))
	require.NoError(t, p.ClearWorkflow(ctx))
	assert.Nil(t, p.Engine.Workflow())

	// Every command passed through the FIFO lock.
	st := p.Status()
	assert.EqualValues(t, 6, st.Commands.Grants)
	assert.Equal(t, 0, st.Commands.Depth)
}

func TestTranscriptKeepsConcurrentFlushes(t *testing.T) {
	p, _ := newTestPlane(t, nil)

	// Debounced and immediate flushes for one session can land on different
	// goroutines; every fragment must survive into the transcript.
	const flushes = 32
	var wg sync.WaitGroup
	for i := 0; i < flushes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := p.applyFlush(stream.Snapshot{
				SessionID: "thread-1",
				Items:     []stream.Item{{Kind: stream.KindMessage, ItemID: "msg", Text: fmt.Sprintf("fragment-%02d\n", i)}},
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	out, ok := p.outputs.Get("thread-1")
	require.True(t, ok)
	for i := 0; i < flushes; i++ {
		assert.Contains(t, out, fmt.Sprintf("fragment-%02d\n", i))
	}
}

func TestSnapshotConsistentUnderConcurrentTerminals(t *testing.T) {
	st := newTestSQLite(t)
	p, _ := newTestPlane(t, st)
	ctx := context.Background()

	// Terminal hooks persist from the manager's hook goroutine while the
	// workflow template name changes under the command lock.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 6; i++ {
			id := p.Manager.Spawn(models.AgentKindExplore, "quick", nil, models.ConfigOverrides{})
			deadline := time.Now().Add(3 * time.Second)
			for time.Now().Before(deadline) {
				if a, ok := p.Manager.Get(id); ok && a.Status == models.AgentStatusCompleted {
					break
				}
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()

	for i := 0; i < 4; i++ {
		_, err := p.StartWorkflow(ctx, "feature", "task")
		require.NoError(t, err)
		require.NoError(t, p.CancelWorkflow(ctx))
		require.NoError(t, p.ClearWorkflow(ctx))
	}
	wg.Wait()

	require.NoError(t, p.Persist(ctx))
	snap, err := st.LoadSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, snap.Workflow)
	assert.Empty(t, snap.TemplateName)
	// The six spawned directly plus whatever the workflows started.
	assert.GreaterOrEqual(t, len(snap.Agents), 6)
}

func TestResetTearsDownEverything(t *testing.T) {
	p, _ := newTestPlane(t, nil)

	_, err := p.StartWorkflow(context.Background(), "feature", "task")
	require.NoError(t, err)
	id := p.Manager.Spawn(models.AgentKindImplement, "extra", nil, models.ConfigOverrides{})
	waitAgent(t, p, id, models.AgentStatusCompleted)

	p.Reset()

	assert.Empty(t, p.Manager.List())
	assert.Nil(t, p.Engine.Workflow())
	st := p.Status()
	assert.Equal(t, 0, st.Running)
}
