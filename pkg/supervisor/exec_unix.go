//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes places the child in its own process group. The
// POSIX terminate command still signals only the reported PID, not the
// group (see terminate_unix.go).
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
