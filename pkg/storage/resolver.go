// Package storage resolves a writable storage root for shakshuka and
// provides the shared bounded-retry primitive used by all disk writers.
//
// Resolution walks an ordered candidate list and probes each location with
// a real write+read+delete cycle: a directory that merely exists, or can
// be created but not written, is a full failure for that candidate. The
// first candidate that passes becomes the storage root for the process.
package storage

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mitchellh/go-homedir"
)

const (
	// DirMode is the permission mode for storage directories.
	DirMode = 0700

	// FileMode is the permission mode for storage files.
	FileMode = 0600

	// probeFilePrefix names the temporary probe file written to each
	// candidate. Probe files are removed on every exit path.
	probeFilePrefix = ".shakshuka-probe-"

	// minFreeBytes is the free-space floor below which a candidate is
	// rejected as full even when the probe write itself succeeds.
	minFreeBytes = 1 * 1024 * 1024
)

// ErrStorageUnavailable indicates no candidate location passed the write
// probe. It is fatal at startup: the process must not run without a
// writable store.
var ErrStorageUnavailable = errors.New("storage: no writable storage location available")

// Candidate is one prospective storage root.
type Candidate struct {
	// Label names the candidate in diagnostics ("install dir", "home").
	Label string
	// Path is the directory to probe. Created if missing.
	Path string
}

// Attempt records the outcome of probing one candidate.
type Attempt struct {
	Label  string
	Path   string
	Reason string
	Err    error
}

// ResolveError carries the full diagnostic trail of a failed resolution:
// every attempted path together with its specific failure reason.
type ResolveError struct {
	Attempts []Attempt
}

func (e *ResolveError) Error() string {
	var b strings.Builder
	b.WriteString(ErrStorageUnavailable.Error())
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "\n  %s (%s): %s", a.Label, a.Path, a.Reason)
	}
	return b.String()
}

// Unwrap lets errors.Is(err, ErrStorageUnavailable) match.
func (e *ResolveError) Unwrap() error {
	return ErrStorageUnavailable
}

// DefaultCandidates returns the ordered candidate roots for an
// installation directory: a data directory beside the binary, a dotted
// directory in the user's home, the platform application-data directory,
// and a world-writable absolute fallback.
func DefaultCandidates(installDir string) []Candidate {
	candidates := []Candidate{
		{Label: "install dir", Path: filepath.Join(installDir, "data")},
	}

	if home, err := homedir.Dir(); err == nil {
		candidates = append(candidates, Candidate{
			Label: "home",
			Path:  filepath.Join(home, ".shakshuka"),
		})
	}

	if appData := platformAppData(); appData != "" {
		candidates = append(candidates, Candidate{
			Label: "app data",
			Path:  filepath.Join(appData, "shakshuka"),
		})
	}

	candidates = append(candidates, Candidate{
		Label: "temp fallback",
		Path:  filepath.Join(os.TempDir(), "shakshuka-data"),
	})

	return candidates
}

// Resolve probes candidates in order and returns the first path with
// confirmed write access. On total failure it returns a *ResolveError
// listing every attempt; errors.Is(err, ErrStorageUnavailable) holds.
func Resolve(candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", &ResolveError{}
	}

	resolveErr := &ResolveError{}
	for _, c := range candidates {
		if err := probe(c.Path); err != nil {
			resolveErr.Attempts = append(resolveErr.Attempts, Attempt{
				Label:  c.Label,
				Path:   c.Path,
				Reason: failureReason(err),
				Err:    err,
			})
			continue
		}
		return c.Path, nil
	}
	return "", resolveErr
}

// probe confirms real write access: create the directory if missing, then
// write, read back, verify and delete a probe file. Any failure, including
// a mismatch on read-back, fails the whole candidate.
func probe(dir string) error {
	if err := os.MkdirAll(dir, DirMode); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if free, err := freeBytes(dir); err == nil && free < minFreeBytes {
		return fmt.Errorf("free space below %d bytes: %w", minFreeBytes, syscall.ENOSPC)
	}

	payload := make([]byte, 32)
	if _, err := rand.Read(payload); err != nil {
		return fmt.Errorf("generate probe payload: %w", err)
	}

	probePath := filepath.Join(dir, fmt.Sprintf("%s%d", probeFilePrefix, os.Getpid()))
	defer os.Remove(probePath)

	err := Retry(func() error {
		if err := os.WriteFile(probePath, payload, FileMode); err != nil {
			if os.IsPermission(err) {
				return Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("probe write: %w", err)
	}

	read, err := os.ReadFile(probePath)
	if err != nil {
		return fmt.Errorf("probe read: %w", err)
	}
	if !bytes.Equal(read, payload) {
		return fmt.Errorf("probe read back mismatched content")
	}

	if err := os.Remove(probePath); err != nil {
		return fmt.Errorf("probe delete: %w", err)
	}
	return nil
}

// failureReason maps a probe error to the short diagnostic wording
// surfaced to the user.
func failureReason(err error) string {
	switch {
	case errors.Is(err, os.ErrPermission):
		return "permission denied"
	case errors.Is(err, syscall.EROFS):
		return "read-only filesystem"
	case errors.Is(err, syscall.ENAMETOOLONG):
		return "path too long"
	case errors.Is(err, syscall.ENOSPC):
		return "disk full"
	default:
		return err.Error()
	}
}

// platformAppData returns the platform application-data directory, or ""
// when the environment does not define one.
func platformAppData() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	if v := os.Getenv("APPDATA"); v != "" { // Windows
		return v
	}
	if home, err := homedir.Dir(); err == nil {
		return filepath.Join(home, ".local", "share")
	}
	return ""
}
