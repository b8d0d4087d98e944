//go:build !unix

package storage

import (
	"os/exec"
	"time"
)

func killProcessGroupOnCancel(cmd *exec.Cmd) {
	cmd.WaitDelay = 10 * time.Second
}
