//go:build linux

package diagnostics

import (
	"os"
	"syscall"
)

// CountFDs returns the number of open file descriptors and the soft limit.
func CountFDs() (open, limit int) {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0, 0
	}
	// ReadDir itself holds one descriptor on the directory.
	open = len(entries) - 1
	if open < 0 {
		open = 0
	}

	var rlim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rlim); err == nil {
		// #nosec G115 -- rlimit values are always within int range on supported platforms
		limit = int(rlim.Cur)
	}
	return open, limit
}
