package models

import "time"

// AgentKind is the role an agent plays inside a workflow phase.
type AgentKind string

const (
	AgentKindExplore   AgentKind = "explore"
	AgentKindDesign    AgentKind = "design"
	AgentKindImplement AgentKind = "implement"
	AgentKindReview    AgentKind = "review"
	AgentKindCustom    AgentKind = "custom"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusError     AgentStatus = "error"
	AgentStatusCancelled AgentStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentStatusCompleted, AgentStatusError, AgentStatusCancelled:
		return true
	}
	return false
}

// InterruptReason records why a running agent was interrupted.
type InterruptReason string

const (
	InterruptNone   InterruptReason = ""
	InterruptPause  InterruptReason = "pause"
	InterruptCancel InterruptReason = "cancel"
)

// SandboxPolicy controls how much filesystem/network access a backend
// thread is granted. Higher values are more permissive.
type SandboxPolicy string

const (
	SandboxReadOnly         SandboxPolicy = "read-only"
	SandboxWorkspaceWrite   SandboxPolicy = "workspace-write"
	SandboxDangerFullAccess SandboxPolicy = "danger-full-access"
)

// ApprovalPolicy controls when a backend thread asks for human approval.
type ApprovalPolicy string

const (
	ApprovalUntrusted ApprovalPolicy = "untrusted"
	ApprovalOnRequest ApprovalPolicy = "on-request"
	ApprovalNever     ApprovalPolicy = "never"
)

// sandboxRank orders sandbox policies from most to least restrictive.
func sandboxRank(p SandboxPolicy) int {
	switch p {
	case SandboxReadOnly:
		return 0
	case SandboxWorkspaceWrite:
		return 1
	case SandboxDangerFullAccess:
		return 2
	}
	return 0
}

// approvalRank orders approval policies from most to least restrictive.
func approvalRank(p ApprovalPolicy) int {
	switch p {
	case ApprovalUntrusted:
		return 0
	case ApprovalOnRequest:
		return 1
	case ApprovalNever:
		return 2
	}
	return 0
}

// StricterSandbox returns the more restrictive of the two policies.
func StricterSandbox(a, b SandboxPolicy) SandboxPolicy {
	if sandboxRank(a) <= sandboxRank(b) {
		return a
	}
	return b
}

// StricterApproval returns the more restrictive of the two policies.
func StricterApproval(a, b ApprovalPolicy) ApprovalPolicy {
	if approvalRank(a) <= approvalRank(b) {
		return a
	}
	return b
}

// Progress tracks coarse completion of an agent's task.
type Progress struct {
	Current     int
	Total       int
	Description string
}

// ConfigOverrides are per-agent overrides applied at spawn time.
type ConfigOverrides struct {
	Model          string
	SandboxPolicy  SandboxPolicy
	ApprovalPolicy ApprovalPolicy
	TaskTimeout    time.Duration
}

// Agent is one managed unit of work bound to a backend thread.
type Agent struct {
	ID              string
	Kind            AgentKind
	Task            string
	Dependencies    []string
	Status          AgentStatus
	InterruptReason InterruptReason
	Progress        Progress
	ThreadID        string // backend thread id, empty until admission succeeds
	Error           *AgentError
	Overrides       ConfigOverrides
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FinalMessage    string
}

// Clone returns a deep copy safe to hand outside the manager's lock.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Dependencies = append([]string(nil), a.Dependencies...)
	if a.Error != nil {
		e := *a.Error
		cp.Error = &e
	}
	if a.StartedAt != nil {
		t := *a.StartedAt
		cp.StartedAt = &t
	}
	if a.CompletedAt != nil {
		t := *a.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
