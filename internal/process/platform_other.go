//go:build !windows

package process

import "os/exec"

// applyPlatformHardening is a no-op off Windows.
func applyPlatformHardening(cmd *exec.Cmd) {}
