//go:build !windows

package storage

import (
	"path/filepath"
	"syscall"
)

// freeBytes returns the free space available to the process at path,
// falling back to the parent when the directory does not exist yet.
func freeBytes(path string) (uint64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		if err := syscall.Statfs(filepath.Dir(path), &stat); err != nil {
			return 0, err
		}
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
