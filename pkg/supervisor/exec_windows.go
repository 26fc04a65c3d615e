//go:build windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes places the child in a new process group on
// Windows; terminate reaches the whole tree via taskkill's /t flag
// (spec.md §6).
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
