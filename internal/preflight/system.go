package preflight

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
)

// MinFreeBytes is the free space floor for the data directory.
const MinFreeBytes = 100 * humanize.MiByte

// SQLite VACUUM and bleve segment merges can briefly need as much room as
// the data they rewrite.
const headroomFactor = 2

// FD limits. Each bleve segment, the three SQLite files with their WAL and
// SHM siblings, the socket and every crawler connection hold a descriptor.
const (
	MinFileDescriptors  = 256
	WantFileDescriptors = 1024
)

// requiredFree is the free space needed for a data directory of used bytes.
func requiredFree(used uint64) uint64 {
	return max(MinFreeBytes, used*headroomFactor)
}

// CheckDiskSpace checks that the filesystem holding dataDir has room for
// the data already there to be rewritten.
func (c *Checker) CheckDiskSpace(dataDir string) CheckResult {
	result := CheckResult{Name: "disk_space", Required: true}

	var stat syscall.Statfs_t
	if err := syscall.Statfs(dataDir, &stat); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("statfs %s: %v", dataDir, err)
		return result
	}
	free := stat.Bavail * uint64(stat.Bsize)
	used := dirSize(dataDir)
	need := requiredFree(used)

	result.Message = fmt.Sprintf("%s free, %s used by data_dir", humanize.IBytes(free), humanize.IBytes(used))
	if free < need {
		result.Status = StatusFail
		result.Details = fmt.Sprintf("need at least %s free; prune old tasks or move data_dir", humanize.IBytes(need))
		return result
	}
	result.Status = StatusPass
	return result
}

// dirSize sums regular file sizes under dir, ignoring unreadable entries.
func dirSize(dir string) uint64 {
	var total uint64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil && info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	return total
}

// fdStatus grades a soft descriptor limit.
func fdStatus(limit uint64) CheckStatus {
	switch {
	case limit < MinFileDescriptors:
		return StatusFail
	case limit < WantFileDescriptors:
		return StatusWarn
	default:
		return StatusPass
	}
}

// CheckFileDescriptors checks the soft RLIMIT_NOFILE.
func (c *Checker) CheckFileDescriptors() CheckResult {
	result := CheckResult{Name: "file_descriptors", Required: true}

	var lim syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &lim); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("getrlimit: %v", err)
		return result
	}

	result.Status = fdStatus(lim.Cur)
	result.Message = fmt.Sprintf("soft limit %d, hard limit %d", lim.Cur, lim.Max)
	if result.Status != StatusPass {
		result.Details = fmt.Sprintf("raise it with 'ulimit -n %d'", WantFileDescriptors)
	}
	return result
}
