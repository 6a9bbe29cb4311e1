//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning returns the recorded pid and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	// FindProcess always succeeds on Windows; check liveness with a zero signal.
	err = proc.Signal(syscall.Signal(0))
	return pid, err == nil
}

// Stop terminates the recorded watcher process. Windows has no SIGTERM, so
// the process is killed.
func (p *PIDFile) Stop() error {
	pid, running := p.IsRunning()
	if !running {
		return fmt.Errorf("no watcher running (%s)", p.Path)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return proc.Kill()
}
