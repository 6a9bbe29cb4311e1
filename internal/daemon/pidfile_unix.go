//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning returns the recorded pid and whether that process is alive.
func (p *PIDFile) IsRunning() (int, bool) {
	pid, err := p.Read()
	if err != nil {
		return 0, false
	}
	// Signal 0 checks the process without delivering anything.
	err = syscall.Kill(pid, 0)
	return pid, err == nil
}

// Stop asks the recorded watcher process to shut down.
func (p *PIDFile) Stop() error {
	pid, running := p.IsRunning()
	if !running {
		return fmt.Errorf("no watcher running (%s)", p.Path)
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
