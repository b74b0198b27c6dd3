// Package daemon tracks the conductor serve process through a pid file so
// sibling CLI invocations can find, probe, and stop it.
package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// PIDFile records the daemon's process id at a fixed path under the state
// directory.
type PIDFile struct {
	Path string
}

// NewPIDFile returns a PIDFile at path. Nothing is written until Write.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Write records the calling process's pid.
func (p *PIDFile) Write() error {
	return p.WritePID(os.Getpid())
}

// WritePID records pid, replacing any previous content.
func (p *PIDFile) WritePID(pid int) error {
	return os.WriteFile(p.Path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// Read returns the recorded pid. The file may be stale; IsRunning probes
// the process itself.
func (p *PIDFile) Read() (int, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file content: %w", err)
	}
	return pid, nil
}

// Remove deletes the pid file.
func (p *PIDFile) Remove() error {
	return os.Remove(p.Path)
}
