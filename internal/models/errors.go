package models

import "fmt"

// ErrorKind is a machine-readable classification of an agent or phase failure.
type ErrorKind string

const (
	ErrThreadStartFailed        ErrorKind = "thread_start_failed"
	ErrDependencyFailed         ErrorKind = "dependency_failed"
	ErrDependencyTimeout        ErrorKind = "dependency_timeout"
	ErrRetryFailed              ErrorKind = "retry_failed"
	ErrTurnFailed               ErrorKind = "turn_failed"
	ErrAppRestartLostConnection ErrorKind = "app_restart_lost_connection"
	ErrLockQueueOverflow        ErrorKind = "lock_queue_overflow"
	ErrLockTimeout              ErrorKind = "lock_timeout"
)

// AgentError is a structured failure record attached to an agent.
// Exactly one is produced per failure event.
type AgentError struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewAgentError builds a structured agent error.
func NewAgentError(kind ErrorKind, recoverable bool, format string, args ...any) *AgentError {
	return &AgentError{
		Kind:        kind,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: recoverable,
	}
}
