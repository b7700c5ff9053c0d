//go:build unix

package extractor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup runs cmd in its own process group so cancellation reaches
// every child the tool forks (ffmpeg merges, helper scripts). The group gets
// SIGTERM first and SIGKILL once grace has passed.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := cmd.Process.Pid
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			return err
		}
		time.AfterFunc(grace, func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })
		return nil
	}
	cmd.WaitDelay = grace
}
