//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// KillProcessGroup kills a process and all its children by sending SIGKILL
// to the process group (negative PID).
func KillProcessGroup(pid int) {
	// Best-effort; the caller still kills the leader through os.Process.
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// Isolate puts cmd into its own process group so KillProcessGroup reaches
// every child it spawns (soffice forks a second process).
func Isolate(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}
