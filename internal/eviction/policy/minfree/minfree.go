package minfree

import (
	"fmt"
	"log/slog"
	"syscall"
)

// Policy triggers eviction when disk free space is below a threshold.
type Policy struct {
	Path      string
	MinFreeKB int64
}

func (m *Policy) KBToFree(currentKB int64) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(m.Path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}

	freeKB := int64(stat.Bavail) * int64(stat.Bsize) / 1024

	slog.Debug("Disk space check", "path", m.Path, "free_kb", freeKB, "min_required_kb", m.MinFreeKB)

	if freeKB < m.MinFreeKB {
		return m.MinFreeKB - freeKB, nil
	}
	return 0, nil
}
