// Package sidecarutil holds small formatting helpers used in log lines,
// mirroring the call sites the teacher's internal/jobs/worker.go makes
// against its own internal/util package (FormatBytes, FormatDuration).
package sidecarutil

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatBytes renders a byte count as a human-readable size, e.g. "128 MB".
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.Bytes(uint64(-n))
	}
	return humanize.Bytes(uint64(n))
}

// FormatDuration renders a duration for human consumption, dropping
// sub-second precision once the value exceeds a second.
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(time.Second).String()
}
