// Package backend defines the session/runtime API the control plane drives
// agents through. The engine only ever talks to the Client interface; the
// real implementation proxies an execution backend, and tests substitute a
// fake.
package backend

import (
	"context"

	"github.com/joescharf/conductor/internal/models"
)

// StartParams configures a new backend thread.
type StartParams struct {
	ProjectID      string
	Cwd            string
	Model          string
	SandboxPolicy  models.SandboxPolicy
	ApprovalPolicy models.ApprovalPolicy
	Instructions   string
}

// Thread is the long-lived execution context the backend manages on behalf
// of an agent.
type Thread struct {
	ID string
}

// Turn is one completed exchange on a thread. Text carries the final
// visible assistant message for the turn.
type Turn struct {
	ID   string
	Text string
}

// SendOpts carries optional message payload beyond plain text.
type SendOpts struct {
	Images      []string
	Attachments []string
}

// ApprovalDecision answers a pending approval request on a thread.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionDenied   ApprovalDecision = "denied"
)

// Client is the backend session API.
type Client interface {
	// StartThread creates a thread with the given policies.
	StartThread(ctx context.Context, params StartParams) (*Thread, error)
	// SendMessage starts a turn with the given text and blocks until the
	// turn completes or ctx is cancelled.
	SendMessage(ctx context.Context, threadID, text string, opts SendOpts) (*Turn, error)
	// Interrupt aborts the thread's in-flight turn, if any.
	Interrupt(ctx context.Context, threadID string) error
	// RespondToApproval answers an approval request raised by the thread.
	RespondToApproval(ctx context.Context, threadID, itemID, requestID string, decision ApprovalDecision, amendment string) error
}
