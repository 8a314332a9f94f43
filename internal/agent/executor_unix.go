//go:build !windows

package agent

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup puts the child in its own process group so
// killProcessTree can signal the whole tree it spawns, not just the
// direct child (spec §4.9: kill-tree on timeout or cancel). Grounded on
// the teacher's use of syscall.Getpgid/Kill with a negative pgid
// (internal/agent/commands.go).
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessTree sends SIGTERM to the process group, then SIGKILL if it
// hasn't exited within 3 seconds.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}

	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
