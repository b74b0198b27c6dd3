package agent

import (
	"context"
	"time"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/stream"
)

// kindFloor returns the strictest sandbox/approval policy an agent kind is
// ever allowed to run with. The resolved policy is the stricter of the
// caller's request and this floor: a required floor is never relaxed.
func kindFloor(kind models.AgentKind) (models.SandboxPolicy, models.ApprovalPolicy) {
	switch kind {
	case models.AgentKindExplore:
		return models.SandboxReadOnly, models.ApprovalOnRequest
	case models.AgentKindDesign:
		return models.SandboxReadOnly, models.ApprovalOnRequest
	case models.AgentKindReview:
		return models.SandboxReadOnly, models.ApprovalUntrusted
	case models.AgentKindImplement:
		return models.SandboxWorkspaceWrite, models.ApprovalOnRequest
	default:
		return models.SandboxDangerFullAccess, models.ApprovalNever
	}
}

// Spawn creates an agent in pending state, synchronously visible to
// callers, and starts admission asynchronously.
func (m *Manager) Spawn(kind models.AgentKind, task string, deps []string, overrides models.ConfigOverrides) string {
	a := &models.Agent{
		ID:           newAgentID(),
		Kind:         kind,
		Task:         task,
		Dependencies: append([]string(nil), deps...),
		Status:       models.AgentStatusPending,
		Overrides:    overrides,
		CreatedAt:    time.Now().UTC(),
	}

	m.mu.Lock()
	m.agents[a.ID] = a
	m.order = append(m.order, a.ID)
	epoch := m.epochs.Next(a.ID)
	m.stateChanged()
	m.mu.Unlock()

	m.log.Info("agent spawned", "agent_id", a.ID, "kind", kind, "deps", len(deps))
	go m.admit(a.ID, epoch)
	return a.ID
}

// admit runs the full admission pipeline: dependency wait, concurrency
// slot, backend thread start, then the initial turn. Every step re-reads
// fresh state and exits quietly when the agent was cancelled, paused, or
// superseded.
func (m *Manager) admit(id string, epoch uint64) {
	if !m.waitForDependencies(id, epoch) {
		return
	}
	if !m.acquireSlot(id, epoch) {
		return
	}

	threadID, task, ok := m.startThread(id, epoch)
	if !ok {
		return
	}
	m.runTurn(id, epoch, threadID, task, models.ErrTurnFailed)
}

// waitForDependencies blocks until every dependency is completed. It fails
// the agent fast when a dependency errors or is cancelled, fails with a
// recoverable timeout when the wait budget elapses, and returns false
// without failing when the waiting agent itself was cancelled, paused, or
// superseded.
func (m *Manager) waitForDependencies(id string, epoch uint64) bool {
	timer := time.NewTimer(m.cfg.DependencyTimeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		a, ok := m.agents[id]
		if !ok || !m.epochs.IsValid(id, epoch) || a.Status != models.AgentStatusPending || a.InterruptReason != models.InterruptNone {
			m.mu.Unlock()
			return false
		}

		allDone := true
		for _, depID := range a.Dependencies {
			dep, exists := m.agents[depID]
			if !exists {
				allDone = false
				continue
			}
			switch dep.Status {
			case models.AgentStatusCompleted:
			case models.AgentStatusError, models.AgentStatusCancelled:
				m.failLocked(a, models.NewAgentError(models.ErrDependencyFailed, false,
					"dependency %s ended %s", depID, dep.Status))
				m.mu.Unlock()
				return false
			default:
				allDone = false
			}
		}
		if allDone {
			m.mu.Unlock()
			return true
		}

		wake := m.notify
		m.mu.Unlock()

		select {
		case <-wake:
		case <-timer.C:
			m.failWith(id, epoch, models.NewAgentError(models.ErrDependencyTimeout, true,
				"dependencies not completed within %s", m.cfg.DependencyTimeout))
			return false
		}
	}
}

// acquireSlot blocks until a run slot is free, then reserves it atomically
// with the pending→running transition so two waiters can never double-book
// the same slot. Paused agents hold no slot.
func (m *Manager) acquireSlot(id string, epoch uint64) bool {
	for {
		m.mu.Lock()
		a, ok := m.agents[id]
		if !ok || !m.epochs.IsValid(id, epoch) || a.Status != models.AgentStatusPending || a.InterruptReason != models.InterruptNone {
			m.mu.Unlock()
			return false
		}

		if m.cfg.MaxConcurrent <= 0 || m.running < m.cfg.MaxConcurrent {
			m.running++
			a.Status = models.AgentStatusRunning
			now := time.Now().UTC()
			a.StartedAt = &now
			m.stateChanged()
			m.mu.Unlock()
			return true
		}

		wake := m.notify
		m.mu.Unlock()
		<-wake
	}
}

// startThread requests a backend thread with the resolved policies. On
// failure the agent moves to a recoverable error and the slot is released.
func (m *Manager) startThread(id string, epoch uint64) (threadID, task string, ok bool) {
	m.mu.Lock()
	a, found := m.agents[id]
	if !found || !m.epochs.IsValid(id, epoch) {
		m.mu.Unlock()
		return "", "", false
	}

	sandbox := a.Overrides.SandboxPolicy
	if sandbox == "" {
		sandbox = m.cfg.DefaultSandbox
	}
	approval := a.Overrides.ApprovalPolicy
	if approval == "" {
		approval = m.cfg.DefaultApproval
	}
	floorSandbox, floorApproval := kindFloor(a.Kind)
	sandbox = models.StricterSandbox(sandbox, floorSandbox)
	approval = models.StricterApproval(approval, floorApproval)

	model := a.Overrides.Model
	if model == "" {
		model = m.cfg.DefaultModel
	}
	params := backend.StartParams{
		ProjectID:      m.cfg.ProjectID,
		Cwd:            m.cfg.Cwd,
		Model:          model,
		SandboxPolicy:  sandbox,
		ApprovalPolicy: approval,
	}
	task = a.Task
	m.mu.Unlock()

	thread, err := m.backend.StartThread(context.Background(), params)
	if err != nil {
		m.failWith(id, epoch, models.NewAgentError(models.ErrThreadStartFailed, true,
			"start thread: %v", err))
		return "", "", false
	}

	m.mu.Lock()
	a, found = m.agents[id]
	if !found || !m.epochs.IsValid(id, epoch) || a.Status != models.AgentStatusRunning {
		m.mu.Unlock()
		// The agent went away while the thread was starting; don't leak it.
		_ = m.backend.Interrupt(context.Background(), thread.ID)
		return "", "", false
	}
	a.ThreadID = thread.ID
	m.mu.Unlock()
	return thread.ID, task, true
}

// runTurn sends text as a turn on the thread and applies the outcome,
// recording failures under failKind. Results from a superseded run epoch
// are discarded.
func (m *Manager) runTurn(id string, epoch uint64, threadID, text string, failKind models.ErrorKind) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok || !m.epochs.IsValid(id, epoch) {
		m.mu.Unlock()
		return
	}
	timeout := a.Overrides.TaskTimeout
	ctx, cancel := context.WithCancel(context.Background())
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	}
	m.turnCancels[id] = cancel
	m.mu.Unlock()
	defer cancel()

	turn, err := m.backend.SendMessage(ctx, threadID, text, backend.SendOpts{})

	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.turnCancels, id)
	a, ok = m.agents[id]
	if !ok || !m.epochs.IsValid(id, epoch) {
		return
	}

	switch {
	case a.Status == models.AgentStatusCancelled:
		// Cancel already settled the descriptor.
	case a.InterruptReason == models.InterruptPause:
		// Pause reverted the agent to pending; keep the thread for resume.
	case err != nil:
		m.failLocked(a, models.NewAgentError(failKind, true, "turn failed: %v", err))
	default:
		m.completeLocked(a, turn.Text)
	}
}

// completeLocked marks a running agent completed. Caller holds m.mu.
func (m *Manager) completeLocked(a *models.Agent, finalMessage string) {
	if a.Status != models.AgentStatusRunning {
		return
	}
	a.Status = models.AgentStatusCompleted
	a.FinalMessage = finalMessage
	now := time.Now().UTC()
	a.CompletedAt = &now
	m.running--
	m.publishOutput(a.ThreadID, finalMessage)
	m.stateChanged()
	m.fireTerminal(a)
	m.log.Info("agent completed", "agent_id", a.ID)
}

// failLocked moves an agent to error, releasing its slot when held.
// Exactly one error record is attached per failure event. Caller holds m.mu.
func (m *Manager) failLocked(a *models.Agent, agentErr *models.AgentError) {
	if a.Status.Terminal() {
		return
	}
	if a.Status == models.AgentStatusRunning {
		m.running--
	}
	a.Status = models.AgentStatusError
	a.Error = agentErr
	now := time.Now().UTC()
	a.CompletedAt = &now
	m.stateChanged()
	m.fireTerminal(a)
	m.log.Warn("agent failed", "agent_id", a.ID, "kind", agentErr.Kind, "error", agentErr.Message)
}

// failWith is the unlocked variant; it tolerates the agent having
// disappeared or been superseded, in which case it is a no-op.
func (m *Manager) failWith(id string, epoch uint64, agentErr *models.AgentError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok || !m.epochs.IsValid(id, epoch) {
		return
	}
	m.failLocked(a, agentErr)
}

// publishOutput forwards an agent's final message to the delta stream so
// the durable item state picks it up on the next flush. Caller holds m.mu.
func (m *Manager) publishOutput(threadID, text string) {
	if m.cfg.Streams == nil || threadID == "" || text == "" {
		return
	}
	streams := m.cfg.Streams
	flushFn := m.cfg.FlushFn
	go func() {
		if err := streams.Append(threadID, stream.KindMessage, "final", text); err != nil {
			return
		}
		if flushFn != nil {
			_ = streams.ScheduleFlush(threadID, flushFn, false)
		}
	}()
}
