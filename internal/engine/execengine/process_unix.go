//go:build darwin || linux

package execengine

import (
	"os/exec"
	"syscall"
	"time"
)

// stopInterruptGrace is the wait after SIGINT before escalating to SIGKILL.
var stopInterruptGrace = 500 * time.Millisecond

// killGroup sends SIGKILL to the process group led by pid.
var killGroup = func(pid int) {
	_ = syscall.Kill(-pid, syscall.SIGKILL)
}

// configureProcessGroup starts cmd in its own process group so the whole
// renderer tree can be signalled.
func configureProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// interruptCmd asks the renderer to abort the current frame.
func interruptCmd(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGINT)
}

// stopCmd terminates the renderer process group. It never waits on cmd; the
// engine owns the single waiter goroutine, which closes done once cmd has
// exited. No SIGKILL is sent after that, the group id may be reused.
func stopCmd(cmd *exec.Cmd, done <-chan struct{}) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if pid <= 0 {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pid, syscall.SIGINT)

	grace, kill := stopInterruptGrace, killGroup
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-done:
			return
		case <-timer.C:
		}
		kill(pid)
		_ = cmd.Process.Kill()
	}()
}
