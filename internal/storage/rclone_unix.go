//go:build unix

package storage

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// killProcessGroupOnCancel starts cmd in its own process group and, when
// its context is cancelled, terminates the whole group so rclone's
// children do not outlive us.
func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second
}
