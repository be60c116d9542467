//go:build !darwin && !linux

package execengine

import (
	"os"
	"os/exec"
)

// configureProcessGroup is a no-op on unsupported platforms.
func configureProcessGroup(cmd *exec.Cmd) {
	_ = cmd
}

// interruptCmd sends an interrupt to the renderer process.
func interruptCmd(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
}

// stopCmd kills the renderer process on unsupported platforms.
func stopCmd(cmd *exec.Cmd, done <-chan struct{}) {
	_ = done
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
