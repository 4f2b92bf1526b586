//go:build !windows

package daemon

import (
	"os/exec"
	"syscall"
)

// detach puts the child in its own session so it survives the parent's
// terminal.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}

// processAlive probes a PID with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
