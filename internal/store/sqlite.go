package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joescharf/conductor/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxPersistedText bounds free-text columns (tasks, outputs, final
// messages) so a runaway agent cannot bloat the snapshot.
const maxPersistedText = 64 * 1024

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent snapshot saves.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// boolToInt converts a bool to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	// Create migrations tracking table
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	// Sort by filename
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		// Check if already applied
		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Snapshot ---

// SaveSnapshot replaces the persisted state in one transaction.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"agents", "phases", "workflows"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, a := range snap.Agents {
		if err := insertAgent(ctx, tx, i, a); err != nil {
			return err
		}
	}
	if snap.Workflow != nil {
		if err := insertWorkflow(ctx, tx, snap); err != nil {
			return err
		}
	}

	savedAt := snap.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES ('saved_at', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		savedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record snapshot time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

func insertAgent(ctx context.Context, tx *sql.Tx, position int, a *models.Agent) error {
	deps, err := json.Marshal(a.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies for agent %s: %w", a.ID, err)
	}
	overrides, err := json.Marshal(a.Overrides)
	if err != nil {
		return fmt.Errorf("marshal overrides for agent %s: %w", a.ID, err)
	}

	errKind, errMsg, errRecoverable := "", "", 0
	if a.Error != nil {
		errKind = string(a.Error.Kind)
		errMsg = a.Error.Message
		errRecoverable = boolToInt(a.Error.Recoverable)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO agents (id, position, kind, task, dependencies, status, interrupt_reason,
			progress_current, progress_total, progress_description, thread_id,
			error_kind, error_message, error_recoverable, overrides, final_message,
			created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, position, a.Kind, models.Truncate(a.Task, maxPersistedText), string(deps),
		a.Status, a.InterruptReason,
		a.Progress.Current, a.Progress.Total, a.Progress.Description, a.ThreadID,
		errKind, errMsg, errRecoverable, string(overrides),
		models.Truncate(a.FinalMessage, maxPersistedText),
		a.CreatedAt, a.StartedAt, a.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

func insertWorkflow(ctx context.Context, tx *sql.Tx, snap *Snapshot) error {
	w := snap.Workflow
	_, err := tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, current_phase, prior_output, template_name, task, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.Status, w.CurrentPhase,
		models.Truncate(w.PriorOutput, maxPersistedText),
		snap.TemplateName, models.Truncate(snap.Task, maxPersistedText),
		w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", w.ID, err)
	}

	for i, ph := range w.Phases {
		agentIDs, err := json.Marshal(ph.AgentIDs)
		if err != nil {
			return fmt.Errorf("marshal agent ids for phase %s: %w", ph.ID, err)
		}
		metadata, err := json.Marshal(ph.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata for phase %s: %w", ph.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO phases (id, workflow_id, position, name, kind, status, agent_ids, requires_approval, output, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ph.ID, w.ID, i, ph.Name, ph.Kind, ph.Status, string(agentIDs),
			boolToInt(ph.RequiresApproval),
			models.Truncate(ph.Output, maxPersistedText), string(metadata),
		)
		if err != nil {
			return fmt.Errorf("insert phase %s: %w", ph.ID, err)
		}
	}
	return nil
}

// LoadSnapshot reads the persisted state back, applying rehydration rules:
// agents that were live when the process stopped come back as a
// recoverable lost-connection error (paused agents stay paused), and a
// phase that was running fails so the workflow can be retried.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	agents, err := s.loadAgents(ctx)
	if err != nil {
		return nil, err
	}
	snap.Agents = agents

	if err := s.loadWorkflow(ctx, snap); err != nil {
		return nil, err
	}

	if raw, err := s.GetSetting(ctx, "saved_at"); err == nil && raw != "" {
		if t, perr := time.Parse(time.RFC3339Nano, raw); perr == nil {
			snap.SavedAt = t
		}
	}

	rehydrate(snap)
	return snap, nil
}

func (s *SQLiteStore) loadAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, task, dependencies, status, interrupt_reason,
			progress_current, progress_total, progress_description, thread_id,
			error_kind, error_message, error_recoverable, overrides, final_message,
			created_at, started_at, completed_at
		FROM agents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a := &models.Agent{}
		var deps, overrides, errKind, errMsg string
		var errRecoverable int
		var startedAt, completedAt sql.NullTime
		err := rows.Scan(&a.ID, &a.Kind, &a.Task, &deps, &a.Status, &a.InterruptReason,
			&a.Progress.Current, &a.Progress.Total, &a.Progress.Description, &a.ThreadID,
			&errKind, &errMsg, &errRecoverable, &overrides, &a.FinalMessage,
			&a.CreatedAt, &startedAt, &completedAt)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &a.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies for agent %s: %w", a.ID, err)
		}
		if err := json.Unmarshal([]byte(overrides), &a.Overrides); err != nil {
			return nil, fmt.Errorf("unmarshal overrides for agent %s: %w", a.ID, err)
		}
		if errKind != "" {
			a.Error = &models.AgentError{
				Kind:        models.ErrorKind(errKind),
				Message:     errMsg,
				Recoverable: errRecoverable != 0,
			}
		}
		if startedAt.Valid {
			t := startedAt.Time
			a.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			a.CompletedAt = &t
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLiteStore) loadWorkflow(ctx context.Context, snap *Snapshot) error {
	w := &models.Workflow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, current_phase, prior_output, template_name, task, created_at, updated_at
		FROM workflows LIMIT 1`,
	).Scan(&w.ID, &w.Name, &w.Status, &w.CurrentPhase, &w.PriorOutput,
		&snap.TemplateName, &snap.Task, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, status, agent_ids, requires_approval, output, metadata
		FROM phases WHERE workflow_id = ? ORDER BY position`, w.ID)
	if err != nil {
		return fmt.Errorf("load phases: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ph := &models.Phase{}
		var agentIDs, metadata string
		var requiresApproval int
		err := rows.Scan(&ph.ID, &ph.Name, &ph.Kind, &ph.Status, &agentIDs,
			&requiresApproval, &ph.Output, &metadata)
		if err != nil {
			return fmt.Errorf("scan phase: %w", err)
		}
		if err := json.Unmarshal([]byte(agentIDs), &ph.AgentIDs); err != nil {
			return fmt.Errorf("unmarshal agent ids for phase %s: %w", ph.ID, err)
		}
		if err := json.Unmarshal([]byte(metadata), &ph.Metadata); err != nil {
			return fmt.Errorf("unmarshal metadata for phase %s: %w", ph.ID, err)
		}
		ph.RequiresApproval = requiresApproval != 0
		w.Phases = append(w.Phases, ph)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	snap.Workflow = w
	return nil
}

// rehydrate downgrades live state that did not survive the restart. The
// backend threads may still exist, but the goroutines driving them are
// gone, so mid-flight agents surface as a recoverable error and a running
// phase fails for retry. Paused agents keep their pause marker and resume
// normally.
func rehydrate(snap *Snapshot) {
	now := time.Now().UTC()
	for _, a := range snap.Agents {
		if a.Status.Terminal() {
			continue
		}
		if a.Status == models.AgentStatusPending && a.InterruptReason == models.InterruptPause {
			continue
		}
		a.Status = models.AgentStatusError
		a.Error = models.NewAgentError(models.ErrAppRestartLostConnection, true,
			"agent was live when the process stopped")
		t := now
		a.CompletedAt = &t
	}

	w := snap.Workflow
	if w == nil {
		return
	}
	failed := false
	for _, ph := range w.Phases {
		if ph.Status == models.PhaseStatusRunning {
			ph.Status = models.PhaseStatusFailed
			failed = true
		}
	}
	if failed && w.Status == models.WorkflowStatusRunning {
		w.Status = models.WorkflowStatusFailed
	}
}

// --- Settings ---

// SetSetting stores a key/value pair, replacing any existing value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the value for key, or empty string when unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, nil
}

var _ Store = (*SQLiteStore)(nil)
