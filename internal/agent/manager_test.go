package agent

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/models"
)

func testConfig() Config {
	return Config{
		MaxConcurrent:     4,
		DependencyTimeout: 2 * time.Second,
		ProjectID:         "proj-1",
		Cwd:               "/tmp/work",
		DefaultModel:      "test-model",
		DefaultSandbox:    models.SandboxWorkspaceWrite,
		DefaultApproval:   models.ApprovalOnRequest,
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *backend.Fake) {
	t.Helper()
	fake := &backend.Fake{Reply: "done"}
	m := NewManager(cfg, fake)
	t.Cleanup(m.Reset)
	return m, fake
}

func waitForStatus(t *testing.T, m *Manager, id string, want models.AgentStatus) *models.Agent {
	t.Helper()
	var got *models.Agent
	require.Eventually(t, func() bool {
		a, ok := m.Get(id)
		if !ok {
			return false
		}
		got = a
		return a.Status == want
	}, 3*time.Second, 2*time.Millisecond, "agent %s never reached %s", id, want)
	return got
}

func TestSpawnVisibleImmediately(t *testing.T) {
	m, fake := newTestManager(t, testConfig())
	fake.Gate = make(chan struct{})

	id := m.Spawn(models.AgentKindImplement, "do the thing", nil, models.ConfigOverrides{})

	// The descriptor is synchronously visible in pending before admission
	// completes.
	a, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.AgentStatusPending, a.Status)
	assert.Empty(t, a.ThreadID)
	assert.False(t, a.CreatedAt.IsZero())

	close(fake.Gate)
}

func TestAgentRunsToCompletion(t *testing.T) {
	m, fake := newTestManager(t, testConfig())

	id := m.Spawn(models.AgentKindImplement, "build it", nil, models.ConfigOverrides{})

	a := waitForStatus(t, m, id, models.AgentStatusCompleted)
	assert.Equal(t, "done", a.FinalMessage)
	assert.NotEmpty(t, a.ThreadID)
	assert.NotNil(t, a.StartedAt)
	assert.NotNil(t, a.CompletedAt)
	assert.Equal(t, []string{"build it"}, fake.Sends(a.ThreadID))
	assert.Equal(t, 0, m.RunningCount())
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrent = 2
	m, fake := newTestManager(t, cfg)
	fake.Gate = make(chan struct{})

	ids := []string{
		m.Spawn(models.AgentKindImplement, "t1", nil, models.ConfigOverrides{}),
		m.Spawn(models.AgentKindImplement, "t2", nil, models.ConfigOverrides{}),
		m.Spawn(models.AgentKindImplement, "t3", nil, models.ConfigOverrides{}),
	}

	require.Eventually(t, func() bool {
		return m.Counts()[models.AgentStatusRunning] == 2
	}, 3*time.Second, 2*time.Millisecond)

	// The third agent stays pending while both slots are taken.
	time.Sleep(50 * time.Millisecond)
	counts := m.Counts()
	assert.Equal(t, 2, counts[models.AgentStatusRunning])
	assert.Equal(t, 1, counts[models.AgentStatusPending])
	assert.LessOrEqual(t, m.RunningCount(), 2)

	// Release all three turns; everyone completes.
	for range ids {
		fake.Gate <- struct{}{}
	}
	for _, id := range ids {
		waitForStatus(t, m, id, models.AgentStatusCompleted)
	}
	assert.Equal(t, 0, m.RunningCount())
}

func TestDependencyOrdering(t *testing.T) {
	m, fake := newTestManager(t, testConfig())
	fake.Gate = make(chan struct{})

	dep := m.Spawn(models.AgentKindExplore, "survey", nil, models.ConfigOverrides{})
	child := m.Spawn(models.AgentKindImplement, "build", []string{dep}, models.ConfigOverrides{})

	require.Eventually(t, func() bool {
		return m.Counts()[models.AgentStatusRunning] == 1
	}, 3*time.Second, 2*time.Millisecond)

	// The child must not run before its dependency completed.
	a, _ := m.Get(child)
	assert.Equal(t, models.AgentStatusPending, a.Status)

	fake.Gate <- struct{}{}
	waitForStatus(t, m, dep, models.AgentStatusCompleted)

	fake.Gate <- struct{}{}
	waitForStatus(t, m, child, models.AgentStatusCompleted)
}

func TestDependencyFailurePropagates(t *testing.T) {
	m, fake := newTestManager(t, testConfig())
	fake.Gate = make(chan struct{})

	dep := m.Spawn(models.AgentKindExplore, "survey", nil, models.ConfigOverrides{})
	child := m.Spawn(models.AgentKindImplement, "build", []string{dep}, models.ConfigOverrides{})

	waitForStatus(t, m, dep, models.AgentStatusRunning)
	require.NoError(t, m.Cancel(dep))

	// The child fails fast without ever running.
	a := waitForStatus(t, m, child, models.AgentStatusError)
	require.NotNil(t, a.Error)
	assert.Equal(t, models.ErrDependencyFailed, a.Error.Kind)
	assert.False(t, a.Error.Recoverable)
	assert.Empty(t, a.ThreadID, "a failed-dependency agent never starts a thread")
}

func TestDependencyTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.DependencyTimeout = 30 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	// Depend on an id that never appears.
	id := m.Spawn(models.AgentKindImplement, "build", []string{"nonexistent"}, models.ConfigOverrides{})

	a := waitForStatus(t, m, id, models.AgentStatusError)
	require.NotNil(t, a.Error)
	assert.Equal(t, models.ErrDependencyTimeout, a.Error.Kind)
	assert.True(t, a.Error.Recoverable)
}

func TestThreadStartFailure(t *testing.T) {
	m, fake := newTestManager(t, testConfig())
	fake.StartErr = errors.New("backend down")

	id := m.Spawn(models.AgentKindImplement, "build", nil, models.ConfigOverrides{})

	a := waitForStatus(t, m, id, models.AgentStatusError)
	require.NotNil(t, a.Error)
	assert.Equal(t, models.ErrThreadStartFailed, a.Error.Kind)
	assert.True(t, a.Error.Recoverable)
	assert.Equal(t, 0, m.RunningCount(), "failed start releases its slot")
}

func TestPolicyFloorNeverRelaxed(t *testing.T) {
	m, fake := newTestManager(t, testConfig())

	id := m.Spawn(models.AgentKindReview, "review it", nil, models.ConfigOverrides{
		SandboxPolicy:  models.SandboxDangerFullAccess,
		ApprovalPolicy: models.ApprovalNever,
	})
	waitForStatus(t, m, id, models.AgentStatusCompleted)

	// A review agent's floor wins over the permissive request.
	params := fake.LastStart()
	assert.Equal(t, models.SandboxReadOnly, params.SandboxPolicy)
	assert.Equal(t, models.ApprovalUntrusted, params.ApprovalPolicy)
}

func TestTerminalHookFires(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	done := make(chan *models.Agent, 1)
	m.SetTerminalHook(func(a *models.Agent) {
		select {
		case done <- a:
		default:
		}
	})

	id := m.Spawn(models.AgentKindImplement, "build", nil, models.ConfigOverrides{})

	select {
	case a := <-done:
		assert.Equal(t, id, a.ID)
		assert.Equal(t, models.AgentStatusCompleted, a.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("terminal hook never fired")
	}
}

func TestClearRemovesOnlyTerminal(t *testing.T) {
	m, _ := newTestManager(t, testConfig())

	// Waits forever on a dependency that never appears, so it stays pending.
	waiting := m.Spawn(models.AgentKindImplement, "blocked", []string{"nonexistent"}, models.ConfigOverrides{})

	finished := m.Spawn(models.AgentKindExplore, "quick", nil, models.ConfigOverrides{})
	waitForStatus(t, m, finished, models.AgentStatusCompleted)

	removed := m.Clear()
	assert.Equal(t, 1, removed)

	left := m.List()
	require.Len(t, left, 1)
	assert.Equal(t, waiting, left[0].ID)
}
