package stream

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		MaxSessions:      8,
		DebounceInterval: 25 * time.Millisecond,
		MaxBufferBytes:   256,
		MaxFlushAttempts: 3,
		RetryBackoff:     5 * time.Millisecond,
	}
}

// flushRecorder collects snapshots handed to the flush function.
type flushRecorder struct {
	mu    sync.Mutex
	snaps []Snapshot
	err   error
	calls int
}

func (r *flushRecorder) fn(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return r.err
	}
	r.snaps = append(r.snaps, s)
	return nil
}

func (r *flushRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func (r *flushRecorder) last() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snaps[len(r.snaps)-1]
}

func TestAppendTracksByteSize(t *testing.T) {
	m := NewManager(testConfig())

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "héllo"))
	require.NoError(t, m.Append("s1", KindMessage, "item-1", " wörld"))

	// Byte length, not rune count: é and ö are two bytes each.
	assert.Equal(t, len("héllo")+len(" wörld"), m.Size("s1"))
}

func TestFirstFragmentFlushesImmediately(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "hi"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	// No debounce wait: the first visible output flushes synchronously.
	require.Equal(t, 1, rec.count())
	snap := rec.last()
	assert.Equal(t, "s1", snap.SessionID)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, KindMessage, snap.Items[0].Kind)
	assert.Equal(t, "item-1", snap.Items[0].ItemID)
	assert.Equal(t, "hi", snap.Items[0].Text)
	assert.Equal(t, 0, m.Size("s1"), "flush drains the buffer")
}

func TestDebounceCoalesces(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	// Prime past the first-fragment fast path.
	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.Equal(t, 1, rec.count())

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "b"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.NoError(t, m.Append("s1", KindMessage, "item-1", "c"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	// Both schedules fall inside one debounce window.
	assert.Equal(t, 1, rec.count())

	require.Eventually(t, func() bool { return rec.count() == 2 },
		time.Second, 2*time.Millisecond)
	assert.Equal(t, "bc", rec.last().Items[0].Text, "fragments coalesce into one flush")
}

func TestImmediateBypassesDebounce(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	require.NoError(t, m.Append("s1", KindCommandOutput, "cmd-1", "ls\n"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, true))

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, KindCommandOutput, rec.last().Items[0].Kind)
}

func TestOverflowFlushesSynchronously(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferBytes = 16
	m := NewManager(cfg)
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.Equal(t, 1, rec.count())

	// Grow past the threshold: the next scheduled flush must not wait for
	// the debounce interval.
	require.NoError(t, m.Append("s1", KindMessage, "item-1", "0123456789abcdef!"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	assert.Equal(t, 2, rec.count())
	assert.Equal(t, 0, m.Size("s1"))
}

func TestStaleTimerNoops(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.Equal(t, 1, rec.count())

	// Two debounced schedules: the first timer is superseded and must
	// no-op; exactly one more flush happens.
	require.NoError(t, m.Append("s1", KindMessage, "item-1", "b"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	time.Sleep(4 * testConfig().DebounceInterval)
	assert.Equal(t, 2, rec.count())
}

func TestChannelsStayIndependent(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "msg"))
	require.NoError(t, m.Append("s1", KindReasoningSummary, "item-1", "thinking"))
	require.NoError(t, m.Append("s1", KindProgressLog, "log", "step 1\n"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, true))

	require.Equal(t, 1, rec.count())
	snap := rec.last()
	require.Len(t, snap.Items, 3)
	assert.Equal(t, KindMessage, snap.Items[0].Kind)
	assert.Equal(t, KindReasoningSummary, snap.Items[1].Kind)
	assert.Equal(t, KindProgressLog, snap.Items[2].Kind)
}

func TestFlushRetriesThenSurfaces(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{err: errors.New("store unavailable")}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	err := m.ScheduleFlush("s1", rec.fn, true)

	require.Error(t, err)
	assert.Equal(t, 3, rec.calls, "bounded retry attempts")
	assert.Equal(t, uint64(1), m.Stats("s1").Failures)
}

func TestFlushRecoversWithinRetries(t *testing.T) {
	m := NewManager(testConfig())

	var mu sync.Mutex
	calls := 0
	fn := func(Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", fn, true))

	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(1), m.Stats("s1").Flushes)
}

func TestCloseRejectsAppend(t *testing.T) {
	m := NewManager(testConfig())

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	m.Close("s1")

	err := m.Append("s1", KindMessage, "item-1", "b")
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, 0, m.Size("s1"))
}

func TestCloseCancelsPendingFlush(t *testing.T) {
	m := NewManager(testConfig())
	rec := &flushRecorder{}

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "a"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))
	require.Equal(t, 1, rec.count())

	require.NoError(t, m.Append("s1", KindMessage, "item-1", "b"))
	require.NoError(t, m.ScheduleFlush("s1", rec.fn, false))

	m.Close("s1")

	// The pending debounced flush must not fire after teardown.
	time.Sleep(4 * testConfig().DebounceInterval)
	assert.Equal(t, 1, rec.count())
}

func TestEvictionBoundsSessions(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 2
	m := NewManager(cfg)

	require.NoError(t, m.Append("s1", KindMessage, "i", "a"))
	require.NoError(t, m.Append("s2", KindMessage, "i", "b"))
	require.NoError(t, m.Append("s3", KindMessage, "i", "c"))

	// Oldest session buffer is gone; newer ones survive.
	require.Eventually(t, func() bool { return m.Size("s1") == 0 },
		time.Second, time.Millisecond)
	assert.Equal(t, 1, m.Size("s2"))
	assert.Equal(t, 1, m.Size("s3"))
}

func TestResetClearsClosedMarkers(t *testing.T) {
	m := NewManager(testConfig())

	require.NoError(t, m.Append("s1", KindMessage, "i", "a"))
	m.Close("s1")
	m.Reset()

	assert.NoError(t, m.Append("s1", KindMessage, "i", "b"))
}
