package models

import (
	"time"
	"unicode/utf8"
)

// PhaseKind is the domain tag of a workflow phase.
type PhaseKind string

const (
	PhaseKindExplore   PhaseKind = "explore"
	PhaseKindDesign    PhaseKind = "design"
	PhaseKindImplement PhaseKind = "implement"
	PhaseKindReview    PhaseKind = "review"
	PhaseKindCustom    PhaseKind = "custom"
)

// PhaseStatus represents the state of a workflow phase.
type PhaseStatus string

const (
	PhaseStatusPending          PhaseStatus = "pending"
	PhaseStatusRunning          PhaseStatus = "running"
	PhaseStatusCompleted        PhaseStatus = "completed"
	PhaseStatusAwaitingApproval PhaseStatus = "awaiting_approval"
	PhaseStatusApprovalTimeout  PhaseStatus = "approval_timeout"
	PhaseStatusFailed           PhaseStatus = "failed"
)

// Terminal reports whether the phase has reached a final outcome.
// Approval states are not terminal: a decision is still pending.
func (s PhaseStatus) Terminal() bool {
	return s == PhaseStatusCompleted || s == PhaseStatusFailed
}

// Phase is one ordered stage of a workflow.
type Phase struct {
	ID               string
	Name             string
	Kind             PhaseKind
	Status           PhaseStatus
	AgentIDs         []string
	RequiresApproval bool
	Output           string
	// Metadata carries free-form counters such as spawn failures.
	Metadata map[string]int
}

// Clone returns a deep copy safe to hand outside the engine's lock.
func (p *Phase) Clone() *Phase {
	cp := *p
	cp.AgentIDs = append([]string(nil), p.AgentIDs...)
	if p.Metadata != nil {
		cp.Metadata = make(map[string]int, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// WorkflowStatus represents the overall state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Workflow is an ordered sequence of phases with a single current-phase
// pointer. Phases before CurrentPhase are terminal; phases after are pending.
type Workflow struct {
	ID           string
	Name         string
	Status       WorkflowStatus
	Phases       []*Phase
	CurrentPhase int
	// PriorOutput accumulates completed phase summaries, used as context
	// for later phases.
	PriorOutput string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Clone returns a deep copy of the workflow and its phases.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Phases = make([]*Phase, len(w.Phases))
	for i, p := range w.Phases {
		cp.Phases[i] = p.Clone()
	}
	return &cp
}

// Truncate shortens s to at most max bytes, appending an ellipsis marker
// when content was dropped. The cut never splits a multi-byte rune, so the
// result stays valid UTF-8. Used when persisting free-text fields and when
// aggregating phase output.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	const marker = "…[truncated]"
	if max <= len(marker) {
		return s[:runeBoundary(s, max)]
	}
	return s[:runeBoundary(s, max-len(marker))] + marker
}

// runeBoundary backs cut up to the start of the rune it would otherwise
// split.
func runeBoundary(s string, cut int) int {
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return cut
}
