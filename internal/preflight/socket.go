package preflight

import (
	"fmt"
	"runtime"
)

// maxSocketPath returns the longest usable unix socket path, leaving room
// for the terminating NUL in sun_path.
func maxSocketPath() int {
	if runtime.GOOS == "linux" {
		return 107
	}
	return 103
}

// CheckSocketPath checks that the status socket path fits in sun_path.
func (c *Checker) CheckSocketPath(path string) CheckResult {
	result := CheckResult{
		Name:     "socket_path",
		Required: true,
	}
	if n, limit := len(path), maxSocketPath(); n > limit {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("%d bytes, longer than the %d allowed", n, limit)
		result.Details = "set server.socket_path to a shorter path, e.g. /tmp/mediasync.sock"
		return result
	}
	result.Status = StatusPass
	result.Message = path
	return result
}
