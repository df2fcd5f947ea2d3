//go:build windows

package process

import (
	"os/exec"
	"syscall"
)

// applyPlatformHardening suppresses the console window ffmpeg would
// otherwise flash open on Windows.
func applyPlatformHardening(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x08000000} // CREATE_NO_WINDOW
}
