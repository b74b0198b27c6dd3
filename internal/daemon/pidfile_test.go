package daemon

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPIDFile(t *testing.T) *PIDFile {
	t.Helper()
	return NewPIDFile(filepath.Join(t.TempDir(), "conductor.pid"))
}

func TestPIDFileRoundTrip(t *testing.T) {
	pf := newTestPIDFile(t)

	require.NoError(t, pf.WritePID(4242))
	pid, err := pf.Read()
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	// Write records the calling process.
	require.NoError(t, pf.Write())
	pid, err = pf.Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFileReadErrors(t *testing.T) {
	pf := newTestPIDFile(t)
	_, err := pf.Read()
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(pf.Path, []byte("not-a-number\n"), 0o644))
	_, err = pf.Read()
	assert.ErrorContains(t, err, "invalid PID file content")
}

func TestPIDFileRemove(t *testing.T) {
	pf := newTestPIDFile(t)
	require.NoError(t, pf.WritePID(1))

	require.NoError(t, pf.Remove())
	_, err := os.Stat(pf.Path)
	assert.True(t, os.IsNotExist(err))

	// Removing twice surfaces the missing file.
	assert.Error(t, pf.Remove())
}

func TestPIDFileIsRunning(t *testing.T) {
	pf := newTestPIDFile(t)

	// No file yet.
	pid, running := pf.IsRunning()
	assert.Equal(t, 0, pid)
	assert.False(t, running)

	// The test process itself is certainly alive.
	require.NoError(t, pf.Write())
	pid, running = pf.IsRunning()
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)
}

func TestPIDFileIsRunningStalePid(t *testing.T) {
	pf := newTestPIDFile(t)

	// A pid far above pid_max stands in for a dead daemon.
	require.NoError(t, pf.WritePID(999999))
	pid, running := pf.IsRunning()
	assert.Equal(t, 999999, pid)
	assert.False(t, running)
}

func TestPIDFileSignal(t *testing.T) {
	pf := newTestPIDFile(t)

	err := pf.Signal(syscall.Signal(0))
	assert.ErrorContains(t, err, "read PID file")

	// Signal 0 probes without delivering anything.
	require.NoError(t, pf.Write())
	assert.NoError(t, pf.Signal(syscall.Signal(0)))
}
