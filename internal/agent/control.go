package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/stream"
)

// Cancel marks the agent cancelled immediately so callers observe the
// cancellation without waiting on a network round-trip, then best-effort
// interrupts the backend thread.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if a.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is already %s", id, a.Status)
	}

	if a.Status == models.AgentStatusRunning {
		m.running--
	}
	a.Status = models.AgentStatusCancelled
	a.InterruptReason = models.InterruptCancel
	now := time.Now().UTC()
	a.CompletedAt = &now

	threadID := a.ThreadID
	cancelTurn := m.turnCancels[id]
	delete(m.turnCancels, id)
	m.stateChanged()
	m.fireTerminal(a)
	m.mu.Unlock()

	if cancelTurn != nil {
		cancelTurn()
	}
	if threadID != "" {
		go func() {
			_ = m.backend.Interrupt(context.Background(), threadID)
			if m.cfg.Streams != nil {
				m.cfg.Streams.Close(threadID)
			}
		}()
	}
	m.log.Info("agent cancelled", "agent_id", id)
	return nil
}

// Pause interrupts a running agent and reverts it to pending with a pause
// marker. The pause is only claimed once the backend interrupt succeeded;
// on interrupt failure the agent stays running. A pending agent pauses
// without touching the backend, which halts its admission.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}

	switch a.Status {
	case models.AgentStatusPending:
		a.InterruptReason = models.InterruptPause
		m.stateChanged()
		m.mu.Unlock()
		return nil
	case models.AgentStatusRunning:
	default:
		m.mu.Unlock()
		return fmt.Errorf("agent %s is %s, cannot pause", id, a.Status)
	}

	// Mark the pause intent before interrupting so a turn unwinding
	// concurrently is treated as paused, not failed. Reverted below if the
	// interrupt does not succeed.
	a.InterruptReason = models.InterruptPause
	threadID := a.ThreadID
	cancelTurn := m.turnCancels[id]
	m.mu.Unlock()

	if threadID != "" {
		if err := m.backend.Interrupt(context.Background(), threadID); err != nil {
			m.mu.Lock()
			if a, ok := m.agents[id]; ok && a.Status == models.AgentStatusRunning && a.InterruptReason == models.InterruptPause {
				a.InterruptReason = models.InterruptNone
				m.stateChanged()
			}
			m.mu.Unlock()
			return fmt.Errorf("pause %s: interrupt failed, agent stays running: %w", id, err)
		}
	}
	if cancelTurn != nil {
		cancelTurn()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok = m.agents[id]
	if !ok || a.Status != models.AgentStatusRunning || a.InterruptReason != models.InterruptPause {
		// Settled through another path while we were interrupting.
		return nil
	}
	a.Status = models.AgentStatusPending
	m.running--
	m.stateChanged()
	m.log.Info("agent paused", "agent_id", id)
	return nil
}

// Resume clears the pause marker and re-admits the agent. An agent that
// already holds a thread gets a continuation turn; one paused during
// admission restarts admission from the dependency wait.
func (m *Manager) Resume(id string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if a.Status != models.AgentStatusPending || a.InterruptReason != models.InterruptPause {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is not paused", id)
	}

	a.InterruptReason = models.InterruptNone
	epoch := m.epochs.Next(id)
	threadID := a.ThreadID
	m.stateChanged()
	m.mu.Unlock()

	if threadID == "" {
		go m.admit(id, epoch)
	} else {
		go func() {
			if m.acquireSlot(id, epoch) {
				m.runTurn(id, epoch, threadID,
					"Continue the task where you left off.", models.ErrTurnFailed)
			}
		}()
	}
	m.log.Info("agent resumed", "agent_id", id)
	return nil
}

// Retry restarts a failed agent. With a live thread the task is resent on
// it; otherwise the descriptor is discarded and a fresh agent is spawned.
// The returned id is the active descriptor (the same id, or the respawn's).
func (m *Manager) Retry(id string) (string, error) {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("agent %s not found", id)
	}
	if a.Status != models.AgentStatusError {
		m.mu.Unlock()
		return "", fmt.Errorf("agent %s is %s, retry requires error", id, a.Status)
	}

	a.Error = nil
	a.Progress = models.Progress{}
	a.CompletedAt = nil
	a.InterruptReason = models.InterruptNone
	epoch := m.epochs.Next(id)

	if a.ThreadID != "" {
		a.Status = models.AgentStatusPending
		threadID := a.ThreadID
		task := a.Task
		m.stateChanged()
		m.mu.Unlock()

		go func() {
			if m.acquireSlot(id, epoch) {
				m.runTurn(id, epoch, threadID, task, models.ErrRetryFailed)
			}
		}()
		m.log.Info("agent retrying on existing thread", "agent_id", id)
		return id, nil
	}

	// No thread was ever started: respawn fresh and discard this descriptor.
	kind, task, deps, overrides := a.Kind, a.Task, a.Dependencies, a.Overrides
	delete(m.agents, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.epochs.Invalidate(id)
	m.stateChanged()
	m.mu.Unlock()

	newID := m.Spawn(kind, task, deps, overrides)
	m.log.Info("agent respawned for retry", "old_agent_id", id, "agent_id", newID)
	return newID, nil
}

// RespondToApproval forwards an approval decision to the agent's backend
// thread.
func (m *Manager) RespondToApproval(id, itemID, requestID string, decision backend.ApprovalDecision, amendment string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	if a.Status != models.AgentStatusRunning {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is %s, no approval pending", id, a.Status)
	}
	threadID := a.ThreadID
	m.mu.Unlock()

	if threadID == "" {
		return fmt.Errorf("agent %s has no backend thread yet", id)
	}
	if err := m.backend.RespondToApproval(context.Background(), threadID, itemID, requestID, decision, amendment); err != nil {
		return fmt.Errorf("respond to approval for %s: %w", id, err)
	}
	m.log.Info("approval decision forwarded", "agent_id", id, "decision", string(decision))
	return nil
}

// UpdateProgress records coarse progress and mirrors it onto the thread's
// progress-log channel.
func (m *Manager) UpdateProgress(id string, current, total int, description string) error {
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s not found", id)
	}
	a.Progress = models.Progress{Current: current, Total: total, Description: description}
	threadID := a.ThreadID
	m.mu.Unlock()

	if m.cfg.Streams != nil && threadID != "" {
		line := fmt.Sprintf("[%d/%d] %s\n", current, total, description)
		if err := m.cfg.Streams.Append(threadID, stream.KindProgressLog, "progress", line); err == nil && m.cfg.FlushFn != nil {
			_ = m.cfg.Streams.ScheduleFlush(threadID, m.cfg.FlushFn, false)
		}
	}
	return nil
}
