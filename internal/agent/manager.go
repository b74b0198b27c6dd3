// Package agent manages the lifecycle of every agent the control plane
// runs: admission (dependency wait plus concurrency gating), execution on a
// backend thread, pause/resume, cancellation, and retry.
package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/opseq"
	"github.com/joescharf/conductor/internal/stream"
)

// Config tunes the lifecycle manager.
type Config struct {
	// MaxConcurrent caps how many agents run simultaneously. Zero means
	// unlimited.
	MaxConcurrent int
	// DependencyTimeout bounds how long an agent waits for its
	// dependencies before failing with a recoverable timeout.
	DependencyTimeout time.Duration

	ProjectID       string
	Cwd             string
	DefaultModel    string
	DefaultSandbox  models.SandboxPolicy
	DefaultApproval models.ApprovalPolicy

	// Streams, when set, receives per-thread output fragments; FlushFn is
	// the durable application used for scheduled flushes.
	Streams *stream.Manager
	FlushFn stream.FlushFunc

	Logger *slog.Logger
}

// DefaultConfig returns the daemon's defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     4,
		DependencyTimeout: 10 * time.Minute,
		DefaultSandbox:    models.SandboxWorkspaceWrite,
		DefaultApproval:   models.ApprovalOnRequest,
	}
}

// TerminalHook is invoked (on its own goroutine, outside the manager lock)
// whenever an agent reaches a terminal status. The workflow engine uses it
// to schedule phase-completion checks.
type TerminalHook func(a *models.Agent)

// Manager owns the agent table. All state lives behind one mutex; async
// work re-reads fresh state before writing back and discards results whose
// run epoch has been superseded.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	backend backend.Client
	agents  map[string]*models.Agent
	order   []string
	running int
	// notify is closed and replaced on every state change; waiters grab
	// the current channel and block on it.
	notify chan struct{}
	// epochs invalidates in-flight run results after retry or teardown.
	epochs *opseq.Sequencer
	// turnCancels aborts the in-flight backend turn for an agent.
	turnCancels map[string]func()
	hook        TerminalHook
	log         *slog.Logger
}

// NewManager creates a lifecycle manager backed by the given client.
func NewManager(cfg Config, client backend.Client) *Manager {
	if cfg.DependencyTimeout <= 0 {
		cfg.DependencyTimeout = DefaultConfig().DependencyTimeout
	}
	if cfg.DefaultSandbox == "" {
		cfg.DefaultSandbox = DefaultConfig().DefaultSandbox
	}
	if cfg.DefaultApproval == "" {
		cfg.DefaultApproval = DefaultConfig().DefaultApproval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:         cfg,
		backend:     client,
		agents:      make(map[string]*models.Agent),
		notify:      make(chan struct{}),
		epochs:      opseq.NewSequencer(),
		turnCancels: make(map[string]func()),
		log:         cfg.Logger,
	}
}

// SetTerminalHook installs the terminal-transition callback.
func (m *Manager) SetTerminalHook(hook TerminalHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// stateChanged wakes every waiter. Caller holds m.mu.
func (m *Manager) stateChanged() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// fireTerminal schedules the terminal hook for a. Caller holds m.mu; the
// hook runs outside it so phase evaluation can re-enter the manager freely.
func (m *Manager) fireTerminal(a *models.Agent) {
	if m.hook == nil {
		return
	}
	hook := m.hook
	clone := a.Clone()
	go hook(clone)
}

// Get returns a copy of the agent.
func (m *Manager) Get(id string) (*models.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// List returns copies of all agents in creation order.
func (m *Manager) List() []*models.Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Agent, 0, len(m.order))
	for _, id := range m.order {
		if a, ok := m.agents[id]; ok {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Counts returns the number of agents per status.
func (m *Manager) Counts() map[models.AgentStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.AgentStatus]int)
	for _, a := range m.agents {
		counts[a.Status]++
	}
	return counts
}

// RunningCount returns how many agents currently hold a run slot.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Clear removes every terminal agent, keeping pending and running ones.
func (m *Manager) Clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	kept := m.order[:0]
	for _, id := range m.order {
		a := m.agents[id]
		if a != nil && a.Status.Terminal() {
			delete(m.agents, id)
			m.epochs.Drop(id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	if removed > 0 {
		m.stateChanged()
	}
	return removed
}

// Reset drops all agents and invalidates every in-flight operation.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, cancel := range m.turnCancels {
		cancel()
		delete(m.turnCancels, id)
	}
	for id := range m.agents {
		m.epochs.Invalidate(id)
		if m.cfg.Streams != nil {
			if a := m.agents[id]; a.ThreadID != "" {
				m.cfg.Streams.Close(a.ThreadID)
			}
		}
	}
	m.agents = make(map[string]*models.Agent)
	m.order = nil
	m.running = 0
	m.stateChanged()
}

// Restore inserts agents rehydrated from the persistence store. Agents that
// were persisted mid-run arrive already marked with a recoverable
// AppRestartLostConnection error by the store layer.
func (m *Manager) Restore(agents []*models.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range agents {
		if _, exists := m.agents[a.ID]; exists {
			continue
		}
		m.agents[a.ID] = a.Clone()
		m.order = append(m.order, a.ID)
	}
	m.stateChanged()
}

// newAgentID returns a fresh ULID.
func newAgentID() string {
	return ulid.Make().String()
}
