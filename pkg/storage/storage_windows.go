//go:build windows

package storage

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// freeBytes returns the free space available to the process at path,
// falling back to the parent when the directory does not exist yet.
func freeBytes(path string) (uint64, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}

	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, err
	}
	return freeBytesAvailable, nil
}
