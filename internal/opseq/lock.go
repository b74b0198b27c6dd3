package opseq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrQueueOverflow is returned when the wait queue is at capacity.
	// The caller must back off instead of queueing unboundedly.
	ErrQueueOverflow = errors.New("lock queue overflow")

	// ErrAcquireTimeout is returned when a queued request was not granted
	// before its timeout elapsed.
	ErrAcquireTimeout = errors.New("lock acquire timeout")
)

// LockStats exposes contention diagnostics.
type LockStats struct {
	Grants    uint64
	Timeouts  uint64
	Overflows uint64
	TotalWait time.Duration
	Depth     int
}

type lockWaiter struct {
	id       string
	grant    chan struct{}
	enqueued time.Time
}

// Lock is a FIFO mutual-exclusion queue for operations that must never run
// concurrently. Release hands the lock directly to the next queued waiter,
// so a fresh Acquire can never jump ahead of the queue.
type Lock struct {
	mu       sync.Mutex
	held     bool
	queue    []*lockWaiter
	capacity int
	timeout  time.Duration
	stats    LockStats
}

// NewLock creates a lock whose wait queue holds at most capacity requests,
// each waiting at most timeout before failing.
func NewLock(capacity int, timeout time.Duration) *Lock {
	return &Lock{capacity: capacity, timeout: timeout}
}

// Acquire obtains the lock, returning a release function. An unlocked
// Acquire is granted immediately; otherwise the caller is enqueued FIFO.
// It fails fast with ErrQueueOverflow when the queue is full, and with
// ErrAcquireTimeout or the context error when the wait is abandoned.
func (l *Lock) Acquire(ctx context.Context) (func(), error) {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.stats.Grants++
		l.mu.Unlock()
		return l.releaseFunc(), nil
	}

	if len(l.queue) >= l.capacity {
		l.stats.Overflows++
		l.mu.Unlock()
		return nil, ErrQueueOverflow
	}

	w := &lockWaiter{
		id:       ulid.Make().String(),
		grant:    make(chan struct{}),
		enqueued: time.Now(),
	}
	l.queue = append(l.queue, w)
	l.mu.Unlock()

	timer := time.NewTimer(l.timeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		return l.releaseFunc(), nil
	case <-timer.C:
		if l.abandon(w, true) {
			return nil, ErrAcquireTimeout
		}
		// Granted while the timer fired; the lock is ours.
		return l.releaseFunc(), nil
	case <-ctx.Done():
		if l.abandon(w, false) {
			return nil, ctx.Err()
		}
		return l.releaseFunc(), nil
	}
}

// abandon removes w from the queue. It reports false when w was already
// granted, in which case the caller owns the lock after all.
func (l *Lock) abandon(w *lockWaiter, timedOut bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, q := range l.queue {
		if q == w {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			if timedOut {
				l.stats.Timeouts++
			}
			return true
		}
	}
	return false
}

// releaseFunc returns a once-only release closure for the current holder.
func (l *Lock) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(l.release)
	}
}

// release transfers the lock to the next waiter, or unlocks when the queue
// is empty. The held flag never clears while a waiter is granted, so no
// unrelated Acquire can slip in between.
func (l *Lock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) > 0 {
		next := l.queue[0]
		l.queue = l.queue[1:]
		l.stats.Grants++
		l.stats.TotalWait += time.Since(next.enqueued)
		close(next.grant)
		return
	}
	l.held = false
}

// Locked reports whether the lock is currently held.
func (l *Lock) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Stats returns a snapshot of contention counters and the current depth.
func (l *Lock) Stats() LockStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.stats
	s.Depth = len(l.queue)
	return s
}
