//go:build windows

package agent

import "os/exec"

// setProcessGroup is a no-op on Windows; exec.Cmd has no pgid concept
// here. killProcessTree falls back to killing the direct child only,
// documented as a stdlib-only gap since no Job-Object library is
// available in the retrieval pack.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessTree kills the direct child process. Grandchildren spawned
// by a script (e.g. a batch file invoking another process) are not
// tracked without a Job Object, a known limitation on this platform.
func killProcessTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
