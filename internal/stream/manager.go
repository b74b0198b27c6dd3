package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/conductor/internal/cache"
	"github.com/joescharf/conductor/internal/opseq"
)

// ErrSessionClosed is returned when appending to a session that has been
// torn down. A closing session must never grow a fresh buffer.
var ErrSessionClosed = errors.New("stream: session closed")

// Config tunes the coalescing behavior of the Manager.
type Config struct {
	// MaxSessions bounds how many session buffers are retained; the least
	// recently appended session is evicted beyond this.
	MaxSessions int
	// DebounceInterval is how long fragments accumulate before a scheduled
	// flush fires.
	DebounceInterval time.Duration
	// MaxBufferBytes forces a synchronous flush once a session buffer
	// grows past this size, bypassing the debounce.
	MaxBufferBytes int
	// MaxFlushAttempts caps flush retries before the failure is surfaced.
	MaxFlushAttempts int
	// RetryBackoff is the initial backoff between flush retries; it
	// doubles per attempt.
	RetryBackoff time.Duration
	Logger       *slog.Logger
}

// DefaultConfig returns the tuning used by the daemon.
func DefaultConfig() Config {
	return Config{
		MaxSessions:      64,
		DebounceInterval: 40 * time.Millisecond,
		MaxBufferBytes:   1 << 20, // 1MB
		MaxFlushAttempts: 3,
		RetryBackoff:     50 * time.Millisecond,
	}
}

// FlushStats counts flush outcomes per session, retained for diagnostics
// even after the session buffer is gone.
type FlushStats struct {
	Flushes  uint64
	Failures uint64
}

type itemKey struct {
	kind Kind
	id   string
}

type sessionBuffer struct {
	// epoch is the session's operation sequence at buffer creation; a
	// flush attempt holding a stale epoch discards its work.
	epoch uint64
	size  int
	// everFlushed is false until the buffer's first flush, so the session's
	// first visible output reaches durable state without debounce delay.
	everFlushed bool
	order       []itemKey
	items       map[itemKey]*strings.Builder
}

func newSessionBuffer(epoch uint64) *sessionBuffer {
	return &sessionBuffer{
		epoch: epoch,
		items: make(map[itemKey]*strings.Builder),
	}
}

type pendingFlush struct {
	version uint64
	fn      FlushFunc
	timer   *time.Timer
}

// Manager owns every per-session delta buffer and their flush scheduling.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	buffers  *cache.Cache[string, *sessionBuffer]
	closed   *cache.Cache[string, time.Time]
	stats    *cache.Cache[string, *FlushStats]
	pending  map[string]*pendingFlush
	versions map[string]uint64
	seq      *opseq.Sequencer
	log      *slog.Logger
}

// NewManager creates a delta buffer manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = DefaultConfig().MaxBufferBytes
	}
	if cfg.MaxFlushAttempts <= 0 {
		cfg.MaxFlushAttempts = DefaultConfig().MaxFlushAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultConfig().RetryBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		cfg:      cfg,
		closed:   cache.New[string, time.Time](cfg.MaxSessions*4, nil),
		stats:    cache.New[string, *FlushStats](cfg.MaxSessions*4, nil),
		pending:  make(map[string]*pendingFlush),
		versions: make(map[string]uint64),
		seq:      opseq.NewSequencer(),
		log:      cfg.Logger,
	}
	// Eviction cleanup re-enters the manager lock, so it runs on its own
	// goroutine rather than inside the Set that triggered it.
	m.buffers = cache.New[string, *sessionBuffer](cfg.MaxSessions, func(sessionID string, b *sessionBuffer) {
		go m.dropEvicted(sessionID, b.size)
	})
	return m
}

func (m *Manager) dropEvicted(sessionID string, droppedBytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked(sessionID)
	m.log.Warn("session buffer evicted under memory pressure",
		"session_id", sessionID, "dropped_bytes", droppedBytes)
}

// Append adds a fragment to the session's channel buffer, creating the
// buffer lazily. The size counter tracks encoded byte length, which for a
// Go string is exactly len(fragment).
func (m *Manager) Append(sessionID string, kind Kind, itemID, fragment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Has(sessionID) {
		return ErrSessionClosed
	}

	b, ok := m.buffers.Get(sessionID)
	if !ok {
		b = newSessionBuffer(m.seq.Current(sessionID))
		m.buffers.Set(sessionID, b)
	}

	k := itemKey{kind: kind, id: itemID}
	sb, ok := b.items[k]
	if !ok {
		sb = &strings.Builder{}
		b.items[k] = sb
		b.order = append(b.order, k)
	}

	sb.WriteString(fragment)
	b.size += len(fragment)
	return nil
}

// Size returns the accumulated byte size for the session, zero when no
// buffer exists.
func (m *Manager) Size(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buffers.Get(sessionID)
	if !ok {
		return 0
	}
	return b.size
}

// ScheduleFlush arranges for the session's accumulated deltas to be handed
// to fn. The session's first output, an explicit immediate request, or a
// buffer past MaxBufferBytes all flush synchronously; otherwise the
// flush is debounced, and repeated calls within the interval coalesce into
// one pending flush carrying the most recent fn.
func (m *Manager) ScheduleFlush(sessionID string, fn FlushFunc, immediate bool) error {
	m.mu.Lock()

	if m.closed.Has(sessionID) {
		m.mu.Unlock()
		return ErrSessionClosed
	}

	b, ok := m.buffers.Get(sessionID)
	if !ok || b.size == 0 {
		m.mu.Unlock()
		return nil
	}

	if immediate || !b.everFlushed || b.size >= m.cfg.MaxBufferBytes {
		epoch := b.epoch
		snap := m.drainLocked(sessionID, b)
		m.cancelPendingLocked(sessionID)
		m.mu.Unlock()
		return m.deliver(snap, fn, epoch)
	}

	m.versions[sessionID]++
	ver := m.versions[sessionID]
	if p := m.pending[sessionID]; p != nil {
		p.timer.Stop()
	}
	m.pending[sessionID] = &pendingFlush{
		version: ver,
		fn:      fn,
		timer: time.AfterFunc(m.cfg.DebounceInterval, func() {
			m.fire(sessionID, ver)
		}),
	}
	m.mu.Unlock()
	return nil
}

// fire runs a debounced flush. A timer superseded by a newer version, or a
// session torn down in the meantime, must no-op rather than apply stale data.
func (m *Manager) fire(sessionID string, version uint64) {
	m.mu.Lock()
	p := m.pending[sessionID]
	if p == nil || p.version != version {
		m.mu.Unlock()
		return
	}
	delete(m.pending, sessionID)

	b, ok := m.buffers.Get(sessionID)
	if !ok {
		m.mu.Unlock()
		return
	}
	epoch := b.epoch
	snap := m.drainLocked(sessionID, b)
	m.mu.Unlock()

	if err := m.deliver(snap, p.fn, epoch); err != nil {
		m.log.Error("debounced flush failed", "session_id", sessionID, "error", err)
	}
}

// drainLocked moves the buffer content into a snapshot and resets the
// accumulation state. Caller holds m.mu.
func (m *Manager) drainLocked(sessionID string, b *sessionBuffer) Snapshot {
	snap := Snapshot{SessionID: sessionID}
	for _, k := range b.order {
		snap.Items = append(snap.Items, Item{
			Kind:   k.kind,
			ItemID: k.id,
			Text:   b.items[k].String(),
		})
	}
	b.items = make(map[itemKey]*strings.Builder)
	b.order = nil
	b.size = 0
	b.everFlushed = true
	return snap
}

// deliver applies a drained snapshot with bounded exponential backoff.
// A stale epoch (session torn down since the drain) drops the snapshot.
func (m *Manager) deliver(snap Snapshot, fn FlushFunc, epoch uint64) error {
	if snap.Empty() {
		return nil
	}

	var err error
	backoff := m.cfg.RetryBackoff
	for attempt := 1; attempt <= m.cfg.MaxFlushAttempts; attempt++ {
		if !m.seq.IsValid(snap.SessionID, epoch) {
			return nil
		}
		if err = fn(snap); err == nil {
			m.record(snap.SessionID, true)
			return nil
		}
		if attempt < m.cfg.MaxFlushAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}

	m.record(snap.SessionID, false)
	return fmt.Errorf("flush session %s after %d attempts: %w",
		snap.SessionID, m.cfg.MaxFlushAttempts, err)
}

func (m *Manager) record(sessionID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, found := m.stats.Get(sessionID)
	if !found {
		st = &FlushStats{}
		m.stats.Set(sessionID, st)
	}
	if ok {
		st.Flushes++
	} else {
		st.Failures++
	}
}

// Stats returns the flush counters recorded for the session.
func (m *Manager) Stats(sessionID string) FlushStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats.Get(sessionID); ok {
		return *st
	}
	return FlushStats{}
}

func (m *Manager) cancelPendingLocked(sessionID string) {
	if p := m.pending[sessionID]; p != nil {
		p.timer.Stop()
		delete(m.pending, sessionID)
	}
	delete(m.versions, sessionID)
}

// Close tears down the session: buffer, pending flush, and timers go
// atomically, and the bumped operation sequence keeps any in-flight flush
// from recreating state for a session that no longer exists.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed.Set(sessionID, time.Now())
	m.cancelPendingLocked(sessionID)
	m.buffers.Delete(sessionID)
	m.seq.Invalidate(sessionID)
}

// Reset drops every buffer, pending flush, and closed-session marker.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.pending {
		m.pending[id].timer.Stop()
	}
	m.pending = make(map[string]*pendingFlush)
	m.versions = make(map[string]uint64)
	for _, id := range m.buffers.Keys() {
		m.seq.Invalidate(id)
	}
	m.buffers.Clear()
	m.closed.Clear()
	m.stats.Clear()
}
