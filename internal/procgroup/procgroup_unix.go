//go:build !windows

package procgroup

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Configure makes cmd the leader of a new process group
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// Terminate asks the process group led by p to exit (SIGTERM)
func Terminate(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// Kill forcibly stops the process group led by p (SIGKILL)
func Kill(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ESRCH) {
		// Group already gone; fall back to the leader in case it never
		// became a group leader.
		if sigErr := p.Signal(sig); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			return sigErr
		}
		return nil
	}
	return err
}
