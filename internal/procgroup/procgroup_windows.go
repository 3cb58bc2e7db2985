//go:build windows

package procgroup

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

// Configure starts cmd in a new process group
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.CreationFlags |= windows.CREATE_NEW_PROCESS_GROUP
}

// Terminate stops p. Windows has no graceful signal for console-less
// children, so this kills directly.
func Terminate(p *os.Process) error {
	return p.Kill()
}

// Kill forcibly stops p
func Kill(p *os.Process) error {
	return p.Kill()
}
