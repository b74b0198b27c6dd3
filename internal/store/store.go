package store

import (
	"context"
	"time"

	"github.com/joescharf/conductor/internal/models"
)

// Snapshot is the persisted control-plane state: the agent table, the
// active workflow (if any), and enough template context to resume it.
type Snapshot struct {
	Agents       []*models.Agent
	Workflow     *models.Workflow
	TemplateName string
	Task         string
	SavedAt      time.Time
}

// Store defines the persistence interface for conductor.
type Store interface {
	// SaveSnapshot replaces the persisted state with the given snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	// LoadSnapshot reads the persisted state back, applying restart
	// rehydration: agents and phases that were mid-flight when the process
	// stopped come back in a recoverable error state instead of a live one.
	LoadSnapshot(ctx context.Context) (*Snapshot, error)

	// Settings
	SetSetting(ctx context.Context, key, value string) error
	GetSetting(ctx context.Context, key string) (string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
