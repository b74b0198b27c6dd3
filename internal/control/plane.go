// Package control wires the conductor components into one control plane:
// the agent lifecycle manager, the workflow engine, the delta stream
// buffers, and snapshot persistence. The CLI, HTTP API, and MCP server all
// drive this type.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/backend"
	"github.com/joescharf/conductor/internal/cache"
	"github.com/joescharf/conductor/internal/models"
	"github.com/joescharf/conductor/internal/opseq"
	"github.com/joescharf/conductor/internal/store"
	"github.com/joescharf/conductor/internal/stream"
	"github.com/joescharf/conductor/internal/workflow"
)

// Config collects the tunables of the whole plane.
type Config struct {
	Agent    agent.Config
	Workflow workflow.Config
	Stream   stream.Config

	// CommandQueueDepth bounds how many workflow commands may queue behind
	// the one executing; CommandTimeout bounds each queued wait.
	CommandQueueDepth int
	CommandTimeout    time.Duration

	Logger *slog.Logger
}

// Plane owns the wired components. Store may be nil for a purely
// in-memory plane (tests, one-shot CLI use).
type Plane struct {
	Manager   *agent.Manager
	Engine    *workflow.Engine
	Streams   *stream.Manager
	Store     store.Store
	Templates workflow.TemplateProvider

	// outputs accumulates flushed stream snapshots per backend thread,
	// bounded the same way the stream buffers are.
	outputs *cache.Cache[string, string]

	// commands serializes workflow commands FIFO so concurrent clients
	// cannot interleave decisions.
	commands *opseq.Lock

	// mu guards templateName and serializes transcript flush application.
	// Flushes arrive on stream delivery goroutines and persist runs on the
	// manager's terminal-hook goroutine, concurrently with commands.
	mu           sync.Mutex
	templateName string

	log *slog.Logger
}

// New wires a plane on top of the given backend client.
func New(cfg Config, client backend.Client, st store.Store) *Plane {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	streams := stream.NewManager(cfg.Stream)

	p := &Plane{
		Streams:   streams,
		Store:     st,
		Templates: workflow.NewBuiltinProvider(),
		log:       cfg.Logger,
	}

	maxSessions := cfg.Stream.MaxSessions
	if maxSessions <= 0 {
		maxSessions = stream.DefaultConfig().MaxSessions
	}
	p.outputs = cache.New[string, string](maxSessions, nil)

	depth := cfg.CommandQueueDepth
	if depth <= 0 {
		depth = 16
	}
	cmdTimeout := cfg.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = 10 * time.Second
	}
	p.commands = opseq.NewLock(depth, cmdTimeout)

	agentCfg := cfg.Agent
	agentCfg.Streams = streams
	agentCfg.FlushFn = p.applyFlush
	agentCfg.Logger = cfg.Logger
	p.Manager = agent.NewManager(agentCfg, client)

	wfCfg := cfg.Workflow
	wfCfg.Logger = cfg.Logger
	p.Engine = workflow.NewEngine(wfCfg, workflow.NewManagerService(p.Manager))

	p.Manager.SetTerminalHook(func(a *models.Agent) {
		p.Engine.OnAgentTerminal(a)
		p.persist()
	})
	return p
}

// applyFlush folds a flushed delta snapshot into the per-thread output
// transcript.
func (p *Plane) applyFlush(snap stream.Snapshot) error {
	if snap.Empty() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var b strings.Builder
	if prev, ok := p.outputs.Get(snap.SessionID); ok {
		b.WriteString(prev)
	}
	for _, item := range snap.Items {
		b.WriteString(item.Text)
	}
	p.outputs.Set(snap.SessionID, b.String())
	return nil
}

// AgentOutput returns the accumulated streamed output for an agent's
// backend thread.
func (p *Plane) AgentOutput(agentID string) (string, error) {
	a, ok := p.Manager.Get(agentID)
	if !ok {
		return "", fmt.Errorf("agent %s not found", agentID)
	}
	if a.ThreadID == "" {
		return "", nil
	}
	out, _ := p.outputs.Get(a.ThreadID)
	return out, nil
}

// runCommand executes a workflow command under the FIFO command lock and
// persists the outcome. Queued waits are bounded; overflow fails fast.
func (p *Plane) runCommand(ctx context.Context, fn func() error) error {
	release, err := p.commands.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("workflow command queue: %w", err)
	}
	defer release()
	if err := fn(); err != nil {
		return err
	}
	p.persist()
	return nil
}

// StartWorkflow resolves the template and starts a workflow on it.
func (p *Plane) StartWorkflow(ctx context.Context, templateName, task string) (*models.Workflow, error) {
	tmpl, err := p.Templates.Template(templateName)
	if err != nil {
		return nil, err
	}
	var wf *models.Workflow
	err = p.runCommand(ctx, func() error {
		started, err := p.Engine.Start(tmpl, task)
		if err != nil {
			return err
		}
		wf = started
		p.setTemplateName(templateName)
		return nil
	})
	return wf, err
}

// ApprovePhase approves the phase awaiting a decision.
func (p *Plane) ApprovePhase(ctx context.Context, phaseID string) error {
	return p.runCommand(ctx, func() error { return p.Engine.ApprovePhase(phaseID) })
}

// RejectPhase rejects the phase awaiting a decision, failing the workflow.
func (p *Plane) RejectPhase(ctx context.Context, phaseID, reason string) error {
	return p.runCommand(ctx, func() error { return p.Engine.RejectPhase(phaseID, reason) })
}

// RetryWorkflow re-executes a failed workflow from its failed phase.
func (p *Plane) RetryWorkflow(ctx context.Context) error {
	return p.runCommand(ctx, p.Engine.RetryWorkflow)
}

// RecoverApprovalTimeout returns an overdue approval phase to awaiting.
func (p *Plane) RecoverApprovalTimeout(ctx context.Context, phaseID string) error {
	return p.runCommand(ctx, func() error { return p.Engine.RecoverApprovalTimeout(phaseID) })
}

// CancelWorkflow cancels the active workflow and its current phase agents.
func (p *Plane) CancelWorkflow(ctx context.Context) error {
	return p.runCommand(ctx, p.Engine.CancelWorkflow)
}

// ClearWorkflow discards a settled workflow.
func (p *Plane) ClearWorkflow(ctx context.Context) error {
	return p.runCommand(ctx, func() error {
		if err := p.Engine.ClearWorkflow(); err != nil {
			return err
		}
		p.setTemplateName("")
		return nil
	})
}

func (p *Plane) setTemplateName(name string) {
	p.mu.Lock()
	p.templateName = name
	p.mu.Unlock()
}

func (p *Plane) currentTemplateName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.templateName
}

// Status is the counts overview served by the CLI and the API.
type Status struct {
	Agents   map[models.AgentStatus]int
	Running  int
	Workflow *models.Workflow
	Commands opseq.LockStats
}

// Status returns the plane-wide overview.
func (p *Plane) Status() Status {
	return Status{
		Agents:   p.Manager.Counts(),
		Running:  p.Manager.RunningCount(),
		Workflow: p.Engine.Workflow(),
		Commands: p.commands.Stats(),
	}
}

// Reset tears down all live state: agents, workflow, stream buffers.
func (p *Plane) Reset() {
	_ = p.Engine.CancelWorkflow()
	_ = p.Engine.ClearWorkflow()
	p.setTemplateName("")
	p.Manager.Reset()
	p.Streams.Reset()
	p.outputs.Clear()
	p.persist()
}

// Persist writes the current snapshot to the store.
func (p *Plane) Persist(ctx context.Context) error {
	if p.Store == nil {
		return nil
	}
	snap := &store.Snapshot{
		Agents:       p.Manager.List(),
		Workflow:     p.Engine.Workflow(),
		TemplateName: p.currentTemplateName(),
		SavedAt:      time.Now().UTC(),
	}
	if snap.Workflow != nil {
		snap.Task = p.Engine.Task()
	}
	if err := p.Store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot: %w", err)
	}
	return nil
}

// persist is the fire-and-forget variant used on state transitions.
func (p *Plane) persist() {
	if p.Store == nil {
		return
	}
	if err := p.Persist(context.Background()); err != nil {
		p.log.Error("snapshot persist failed", "error", err)
	}
}

// Restore rehydrates the plane from the store. Mid-flight agents come back
// as recoverable errors; an awaiting-approval phase re-arms its timer.
func (p *Plane) Restore(ctx context.Context) error {
	if p.Store == nil {
		return nil
	}
	snap, err := p.Store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if len(snap.Agents) > 0 {
		p.Manager.Restore(snap.Agents)
	}
	if snap.Workflow != nil {
		var tmpl *workflow.Template
		if snap.TemplateName != "" {
			if t, terr := p.Templates.Template(snap.TemplateName); terr == nil {
				tmpl = t
			} else {
				p.log.Warn("snapshot template no longer available", "template", snap.TemplateName)
			}
		}
		p.Engine.Restore(snap.Workflow, tmpl, snap.Task)
		p.setTemplateName(snap.TemplateName)
	}
	p.log.Info("state restored", "agents", len(snap.Agents), "workflow", snap.Workflow != nil)
	return nil
}
