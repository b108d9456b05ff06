//go:build unix

package sandbox

import (
	"os/exec"
	"syscall"
)

// isolate puts the program in its own process group so a timeout kills
// everything it spawned.
func isolate(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
