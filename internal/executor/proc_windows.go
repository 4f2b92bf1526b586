//go:build windows

package executor

import (
	"os"
	"os/exec"
	"strconv"
)

func setProcGroup(cmd *exec.Cmd) {
	// Windows has no POSIX process groups; tree kill goes through taskkill.
}

// terminateGroup asks the process tree to exit.
func terminateGroup(pid int) {
	_ = exec.Command("taskkill", "/T", "/PID", strconv.Itoa(pid)).Run()
}

// killGroup force-kills the process tree.
func killGroup(pid int) {
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
}

func exitSignal(ps *os.ProcessState) (string, bool) {
	return "", false
}
