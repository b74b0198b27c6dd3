// Package workflow drives a phase state machine over the agent lifecycle
// manager: each phase spawns agents from a template definition, waits for
// them to settle, and either advances, awaits human approval, or fails the
// workflow.
package workflow

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/conductor/internal/agent"
	"github.com/joescharf/conductor/internal/models"
)

// AgentService is the slice of the lifecycle manager the engine consumes.
type AgentService interface {
	Spawn(kind models.AgentKind, task string, deps []string, overrides models.ConfigOverrides) (string, error)
	Get(id string) (*models.Agent, bool)
	Cancel(id string) error
}

type managerAdapter struct {
	*agent.Manager
}

func (a managerAdapter) Spawn(kind models.AgentKind, task string, deps []string, overrides models.ConfigOverrides) (string, error) {
	return a.Manager.Spawn(kind, task, deps, overrides), nil
}

// NewManagerService adapts an agent.Manager to the engine's AgentService.
func NewManagerService(m *agent.Manager) AgentService {
	return managerAdapter{m}
}

// Config tunes the engine.
type Config struct {
	// ApprovalTimeout flags an awaiting-approval phase as overdue. Zero
	// disables the timer.
	ApprovalTimeout time.Duration
	// CheckDelay debounces phase-completion checks after agent terminal
	// transitions.
	CheckDelay time.Duration
	// MaxAgentOutput truncates each agent's final message when aggregating
	// phase output. Zero means no truncation.
	MaxAgentOutput int

	Logger *slog.Logger
}

// DefaultConfig returns the daemon's defaults.
func DefaultConfig() Config {
	return Config{
		ApprovalTimeout: 30 * time.Minute,
		CheckDelay:      10 * time.Millisecond,
		MaxAgentOutput:  8 * 1024,
	}
}

// Engine executes one workflow at a time. All state lives behind one mutex;
// phase evaluation is additionally serialized by a per-phase in-flight claim
// so concurrent completion checks cannot double-advance.
type Engine struct {
	mu   sync.Mutex
	cfg  Config
	svc  AgentService
	wf   *models.Workflow
	defs []PhaseDef
	task string

	inFlight       map[string]bool
	checkTimers    map[string]*time.Timer
	approvalTimers map[string]*time.Timer

	log *slog.Logger
}

// NewEngine creates an engine on top of the given agent service.
func NewEngine(cfg Config, svc AgentService) *Engine {
	def := DefaultConfig()
	if cfg.CheckDelay <= 0 {
		cfg.CheckDelay = def.CheckDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		cfg:            cfg,
		svc:            svc,
		inFlight:       make(map[string]bool),
		checkTimers:    make(map[string]*time.Timer),
		approvalTimers: make(map[string]*time.Timer),
		log:            cfg.Logger,
	}
}

// Start instantiates a workflow from the template and begins its first
// phase. Only one workflow may be active at a time.
func (e *Engine) Start(tmpl *Template, task string) (*models.Workflow, error) {
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wf != nil && !terminalWorkflow(e.wf.Status) {
		return nil, fmt.Errorf("workflow %s is still %s", e.wf.ID, e.wf.Status)
	}
	e.stopTimersLocked()

	now := time.Now().UTC()
	wf := &models.Workflow{
		ID:        ulid.Make().String(),
		Name:      tmpl.Name,
		Status:    models.WorkflowStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, pd := range tmpl.Phases {
		wf.Phases = append(wf.Phases, &models.Phase{
			ID:               ulid.Make().String(),
			Name:             pd.Name,
			Kind:             pd.Kind,
			Status:           models.PhaseStatusPending,
			RequiresApproval: pd.RequiresApproval,
		})
	}
	e.wf = wf
	e.defs = tmpl.Phases
	e.task = task

	e.log.Info("workflow started", "workflow_id", wf.ID, "template", tmpl.Name, "phases", len(wf.Phases))
	e.executePhaseLocked(0)
	return e.wf.Clone(), nil
}

// Workflow returns a copy of the active workflow, or nil.
func (e *Engine) Workflow() *models.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf == nil {
		return nil
	}
	return e.wf.Clone()
}

// Task returns the overall goal the active workflow was started with.
func (e *Engine) Task() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

// OnAgentTerminal is the lifecycle manager's terminal hook. It schedules a
// debounced completion check for the phase the agent belongs to.
func (e *Engine) OnAgentTerminal(a *models.Agent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.wf == nil || e.wf.Status != models.WorkflowStatusRunning {
		return
	}
	ph := e.currentPhaseLocked()
	if ph == nil || ph.Status != models.PhaseStatusRunning {
		return
	}
	for _, id := range ph.AgentIDs {
		if id == a.ID {
			e.scheduleCheckLocked(ph.ID)
			return
		}
	}
}

// scheduleCheckLocked arms a debounced completion check for the phase.
// Back-to-back terminal transitions coalesce into one check.
func (e *Engine) scheduleCheckLocked(phaseID string) {
	if _, armed := e.checkTimers[phaseID]; armed {
		return
	}
	e.checkTimers[phaseID] = time.AfterFunc(e.cfg.CheckDelay, func() {
		e.mu.Lock()
		delete(e.checkTimers, phaseID)
		e.mu.Unlock()
		e.CheckPhaseCompletion(phaseID)
	})
}

// CheckPhaseCompletion evaluates whether the phase has settled and advances
// the workflow accordingly. Safe to call concurrently: a per-phase claim
// admits one evaluator, and the claimant re-reads state so a phase that
// already advanced is left alone.
func (e *Engine) CheckPhaseCompletion(phaseID string) {
	e.mu.Lock()
	if e.inFlight[phaseID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[phaseID] = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, phaseID)
		e.mu.Unlock()
	}()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wf == nil || e.wf.Status != models.WorkflowStatusRunning {
		return
	}
	ph := e.phaseByIDLocked(phaseID)
	if ph == nil || ph.Status != models.PhaseStatusRunning {
		return
	}

	anyFailed := false
	for _, id := range ph.AgentIDs {
		a, ok := e.svc.Get(id)
		if !ok {
			anyFailed = true
			continue
		}
		if !a.Status.Terminal() {
			return
		}
		if a.Status != models.AgentStatusCompleted {
			anyFailed = true
		}
	}

	ph.Output = e.aggregateOutputLocked(ph)
	if anyFailed {
		e.failPhaseLocked(ph, "one or more agents did not complete")
		return
	}
	if ph.RequiresApproval {
		ph.Status = models.PhaseStatusAwaitingApproval
		e.wf.UpdatedAt = time.Now().UTC()
		e.armApprovalTimerLocked(ph.ID)
		e.log.Info("phase awaiting approval", "phase", ph.Name)
		return
	}
	e.completePhaseLocked(ph)
}

// ApprovePhase completes an awaiting or overdue phase and advances the
// workflow. An empty id targets the current phase.
func (e *Engine) ApprovePhase(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ph, err := e.approvalPhaseLocked(phaseID)
	if err != nil {
		return err
	}
	e.stopApprovalTimerLocked(ph.ID)
	e.log.Info("phase approved", "phase", ph.Name)
	e.completePhaseLocked(ph)
	return nil
}

// RejectPhase fails an awaiting or overdue phase, and with it the workflow.
// The reason is recorded in the phase output.
func (e *Engine) RejectPhase(phaseID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ph, err := e.approvalPhaseLocked(phaseID)
	if err != nil {
		return err
	}
	e.stopApprovalTimerLocked(ph.ID)
	if reason != "" {
		ph.Output = strings.TrimRight(ph.Output, "\n") + "\n\nRejected: " + reason
	}
	e.failPhaseLocked(ph, "rejected")
	return nil
}

// RecoverApprovalTimeout returns an overdue phase to awaiting_approval and
// re-arms its timer. The decision itself stays open.
func (e *Engine) RecoverApprovalTimeout(phaseID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ph := e.phaseByIDLocked(phaseID)
	if phaseID == "" {
		ph = e.currentPhaseLocked()
	}
	if ph == nil || ph.Status != models.PhaseStatusApprovalTimeout {
		return fmt.Errorf("phase is not in approval timeout")
	}
	ph.Status = models.PhaseStatusAwaitingApproval
	e.armApprovalTimerLocked(ph.ID)
	e.log.Info("approval timeout recovered", "phase", ph.Name)
	return nil
}

// RetryWorkflow resumes a failed workflow from its failed phase. Output
// accumulated by earlier phases is preserved.
func (e *Engine) RetryWorkflow() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retryCurrentLocked()
}

func (e *Engine) retryCurrentLocked() error {
	if e.wf == nil {
		return fmt.Errorf("no workflow")
	}
	if e.wf.Status != models.WorkflowStatusFailed {
		return fmt.Errorf("workflow is %s, retry requires failed", e.wf.Status)
	}
	if e.defs == nil {
		return fmt.Errorf("workflow %s has no template definition loaded", e.wf.ID)
	}
	ph := e.currentPhaseLocked()
	if ph == nil || ph.Status != models.PhaseStatusFailed {
		return fmt.Errorf("current phase is not failed")
	}

	ph.Status = models.PhaseStatusPending
	ph.AgentIDs = nil
	ph.Output = ""
	ph.Metadata = nil
	e.wf.Status = models.WorkflowStatusRunning
	e.log.Info("retrying phase", "workflow_id", e.wf.ID, "phase", ph.Name)
	e.executePhaseLocked(e.wf.CurrentPhase)
	return nil
}

// CancelWorkflow cancels the active workflow and every non-terminal agent
// of its current phase.
func (e *Engine) CancelWorkflow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wf == nil || terminalWorkflow(e.wf.Status) {
		return fmt.Errorf("no active workflow")
	}
	e.stopTimersLocked()
	if ph := e.currentPhaseLocked(); ph != nil && !ph.Status.Terminal() {
		for _, id := range ph.AgentIDs {
			if a, ok := e.svc.Get(id); ok && !a.Status.Terminal() {
				_ = e.svc.Cancel(id)
			}
		}
		ph.Status = models.PhaseStatusFailed
	}
	e.wf.Status = models.WorkflowStatusCancelled
	e.wf.UpdatedAt = time.Now().UTC()
	e.log.Info("workflow cancelled", "workflow_id", e.wf.ID)
	return nil
}

// ClearWorkflow discards a settled workflow so a new one can start.
func (e *Engine) ClearWorkflow() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.wf == nil {
		return nil
	}
	if !terminalWorkflow(e.wf.Status) {
		return fmt.Errorf("workflow %s is still %s", e.wf.ID, e.wf.Status)
	}
	e.stopTimersLocked()
	e.wf = nil
	e.defs = nil
	e.task = ""
	return nil
}

// Restore installs a workflow rehydrated from the persistence store. The
// template and task must be re-resolved by the caller; a nil template leaves
// phase retries unavailable. Awaiting-approval phases get their timer
// re-armed.
func (e *Engine) Restore(wf *models.Workflow, tmpl *Template, task string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopTimersLocked()
	e.wf = wf.Clone()
	e.task = task
	e.defs = nil
	if tmpl != nil {
		e.defs = tmpl.Phases
	}
	for _, ph := range e.wf.Phases {
		if ph.Status == models.PhaseStatusAwaitingApproval {
			e.armApprovalTimerLocked(ph.ID)
		}
	}
}

// --- internals, caller holds e.mu ---

func (e *Engine) executePhaseLocked(idx int) {
	w := e.wf
	if idx >= len(w.Phases) || idx >= len(e.defs) {
		return
	}
	ph := w.Phases[idx]
	def := e.defs[idx]
	w.CurrentPhase = idx
	ph.Status = models.PhaseStatusRunning
	w.UpdatedAt = time.Now().UTC()

	spawned := make([]string, len(def.Agents))
	failures := 0
	for i, ad := range def.Agents {
		var deps []string
		for _, di := range ad.DependsOn {
			if spawned[di] != "" {
				deps = append(deps, spawned[di])
			}
		}
		ov := ad.Overrides
		if ad.Model != "" {
			ov.Model = ad.Model
		}
		id, err := e.svc.Spawn(ad.Kind, e.composeTaskLocked(ad.Task), deps, ov)
		if err != nil {
			failures++
			e.log.Error("agent spawn failed", "phase", ph.Name, "kind", ad.Kind, "error", err)
			continue
		}
		spawned[i] = id
		ph.AgentIDs = append(ph.AgentIDs, id)
	}
	if failures > 0 {
		if ph.Metadata == nil {
			ph.Metadata = make(map[string]int)
		}
		ph.Metadata["spawn_failures"] = failures
	}

	e.log.Info("phase started", "phase", ph.Name, "agents", len(ph.AgentIDs))
	if len(ph.AgentIDs) == 0 {
		if len(def.Agents) > 0 {
			e.failPhaseLocked(ph, "no agents could be spawned")
			return
		}
		// A phase with no agent definitions settles immediately.
		e.scheduleCheckLocked(ph.ID)
	}
}

// composeTaskLocked builds the agent task from the definition, the overall
// goal, and the accumulated output of earlier phases.
func (e *Engine) composeTaskLocked(base string) string {
	var b strings.Builder
	b.WriteString(base)
	if e.task != "" {
		b.WriteString("\n\nOverall goal:\n")
		b.WriteString(e.task)
	}
	if e.wf.PriorOutput != "" {
		b.WriteString("\n\nContext from earlier phases:\n")
		b.WriteString(e.wf.PriorOutput)
	}
	return b.String()
}

func (e *Engine) aggregateOutputLocked(ph *models.Phase) string {
	var b strings.Builder
	for _, id := range ph.AgentIDs {
		text := "(no output)"
		kind := "agent"
		if a, ok := e.svc.Get(id); ok {
			kind = string(a.Kind)
			if a.FinalMessage != "" {
				text = a.FinalMessage
			} else if a.Error != nil {
				text = "(failed: " + a.Error.Message + ")"
			}
		}
		fmt.Fprintf(&b, "### %s\n%s\n\n", kind, models.Truncate(text, e.cfg.MaxAgentOutput))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) completePhaseLocked(ph *models.Phase) {
	w := e.wf
	ph.Status = models.PhaseStatusCompleted
	if ph.Output != "" {
		section := fmt.Sprintf("## %s\n%s", ph.Name, ph.Output)
		if w.PriorOutput != "" {
			w.PriorOutput += "\n\n"
		}
		w.PriorOutput += section
	}
	w.UpdatedAt = time.Now().UTC()
	e.log.Info("phase completed", "phase", ph.Name)

	next := w.CurrentPhase + 1
	if next >= len(w.Phases) {
		w.Status = models.WorkflowStatusCompleted
		e.log.Info("workflow completed", "workflow_id", w.ID)
		return
	}
	e.executePhaseLocked(next)
}

func (e *Engine) failPhaseLocked(ph *models.Phase, reason string) {
	ph.Status = models.PhaseStatusFailed
	e.wf.Status = models.WorkflowStatusFailed
	e.wf.UpdatedAt = time.Now().UTC()
	e.log.Warn("phase failed", "phase", ph.Name, "reason", reason)
}

func (e *Engine) armApprovalTimerLocked(phaseID string) {
	if e.cfg.ApprovalTimeout <= 0 {
		return
	}
	e.stopApprovalTimerLocked(phaseID)
	e.approvalTimers[phaseID] = time.AfterFunc(e.cfg.ApprovalTimeout, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.approvalTimers, phaseID)
		ph := e.phaseByIDLocked(phaseID)
		if ph == nil || ph.Status != models.PhaseStatusAwaitingApproval {
			return
		}
		ph.Status = models.PhaseStatusApprovalTimeout
		e.log.Warn("approval overdue", "phase", ph.Name)
	})
}

func (e *Engine) stopApprovalTimerLocked(phaseID string) {
	if t, ok := e.approvalTimers[phaseID]; ok {
		t.Stop()
		delete(e.approvalTimers, phaseID)
	}
}

func (e *Engine) stopTimersLocked() {
	for id, t := range e.approvalTimers {
		t.Stop()
		delete(e.approvalTimers, id)
	}
	for id, t := range e.checkTimers {
		t.Stop()
		delete(e.checkTimers, id)
	}
}

// approvalPhaseLocked resolves a phase that is open for an approval
// decision. An empty id targets the current phase.
func (e *Engine) approvalPhaseLocked(phaseID string) (*models.Phase, error) {
	if e.wf == nil {
		return nil, fmt.Errorf("no workflow")
	}
	var ph *models.Phase
	if phaseID == "" {
		ph = e.currentPhaseLocked()
	} else {
		ph = e.phaseByIDLocked(phaseID)
	}
	if ph == nil {
		return nil, fmt.Errorf("phase %s not found", phaseID)
	}
	if ph.Status != models.PhaseStatusAwaitingApproval && ph.Status != models.PhaseStatusApprovalTimeout {
		return nil, fmt.Errorf("phase %s is %s, not awaiting approval", ph.Name, ph.Status)
	}
	return ph, nil
}

func (e *Engine) currentPhaseLocked() *models.Phase {
	if e.wf == nil || e.wf.CurrentPhase >= len(e.wf.Phases) {
		return nil
	}
	return e.wf.Phases[e.wf.CurrentPhase]
}

func (e *Engine) phaseByIDLocked(id string) *models.Phase {
	if e.wf == nil {
		return nil
	}
	for _, ph := range e.wf.Phases {
		if ph.ID == id {
			return ph
		}
	}
	return nil
}

func terminalWorkflow(s models.WorkflowStatus) bool {
	return s == models.WorkflowStatusCompleted ||
		s == models.WorkflowStatusFailed ||
		s == models.WorkflowStatusCancelled
}
