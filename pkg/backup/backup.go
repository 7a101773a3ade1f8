// Package backup creates and restores timestamped encrypted snapshots of
// the storage root.
//
// A snapshot is a directory under "<root>/backups" holding verbatim
// copies of the ciphertext documents and the envelope, plus a cleartext
// manifest. Snapshots are assembled in a hidden temp directory and
// renamed into place, so a crash mid-copy never leaves a partial
// snapshot visible. Restore replaces live documents one by one with the
// same temp-write-then-atomic-replace discipline as the store itself.
package backup

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"github.com/shakshuka-app/shakshuka/pkg/storage"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

const (
	// DirName is the snapshot tree under the storage root.
	DirName = "backups"

	// ManifestFileName is the cleartext snapshot descriptor.
	ManifestFileName = "manifest.json"

	// FormatVersion is the snapshot layout version. Restore refuses
	// snapshots carrying any other version.
	FormatVersion = 1

	tmpPrefix  = ".tmp-"
	nameLayout = "20060102T150405"
)

// Errors returned by backup operations.
var (
	ErrVersionMismatch = errors.New("backup: incompatible snapshot format version")
	ErrNotFound        = errors.New("backup: snapshot not found")
	ErrInvalidType     = errors.New("backup: invalid snapshot type")
)

// Type classifies why a snapshot was taken.
type Type string

const (
	TypeManual    Type = "manual"
	TypeAutomatic Type = "automatic"
	TypePreUpdate Type = "pre-update"
)

// ParseType validates a wire-level snapshot type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeManual, TypeAutomatic, TypePreUpdate:
		return Type(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
}

// Manifest describes one snapshot.
type Manifest struct {
	Name          string    `json:"name"`
	Type          Type      `json:"type"`
	FormatVersion int       `json:"format_version"`
	CreatedAt     time.Time `json:"created_at"`
	Files         []string  `json:"files"`
}

// Store is the slice of a repository the backup manager needs: flush
// pending mutations before a snapshot, reload state after a restore.
type Store interface {
	Flush() error
	Load() error
}

// Manager coordinates snapshots over the vault and the in-memory stores.
type Manager struct {
	vault  *vault.Vault
	stores []Store
	now    func() time.Time
}

// NewManager creates a Manager. The given stores are flushed before
// every snapshot and reloaded after every restore.
func NewManager(v *vault.Vault, stores ...Store) *Manager {
	return &Manager{
		vault:  v,
		stores: stores,
		now:    time.Now,
	}
}

func (m *Manager) dir() string {
	return filepath.Join(m.vault.Root(), DirName)
}

// Create takes a snapshot of the current state and returns its name.
// Pending in-memory mutations are flushed first, so a snapshot never
// misses state the autosave worker has not written yet. The copy runs
// under the root-exclusive lock: it cannot start while any document
// write is in flight, and no write can start until it finishes.
func (m *Manager) Create(typ Type) (string, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return "", err
	}

	for _, s := range m.stores {
		if err := s.Flush(); err != nil {
			return "", fmt.Errorf("backup: pre-snapshot flush failed: %w", err)
		}
	}

	name := fmt.Sprintf("%s-%s", m.now().UTC().Format(nameLayout), typ)

	err := m.vault.WithExclusive(func() error {
		if err := os.MkdirAll(m.dir(), storage.DirMode); err != nil {
			return fmt.Errorf("backup: failed to create backups directory: %w", err)
		}
		m.sweepStaleTemp()

		tmpDir := filepath.Join(m.dir(), tmpPrefix+name)
		if err := os.MkdirAll(tmpDir, storage.DirMode); err != nil {
			return fmt.Errorf("backup: failed to create staging directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		files, err := m.snapshotFiles()
		if err != nil {
			return err
		}
		for _, f := range files {
			if err := copyFile(filepath.Join(m.vault.Root(), f), filepath.Join(tmpDir, f)); err != nil {
				return err
			}
		}

		manifest := Manifest{
			Name:          name,
			Type:          typ,
			FormatVersion: FormatVersion,
			CreatedAt:     m.now().UTC(),
			Files:         files,
		}
		data, err := json.MarshalIndent(manifest, "", "  ")
		if err != nil {
			return fmt.Errorf("backup: failed to marshal manifest: %w", err)
		}
		if err := os.WriteFile(filepath.Join(tmpDir, ManifestFileName), data, storage.FileMode); err != nil {
			return fmt.Errorf("backup: failed to write manifest: %w", err)
		}

		// The snapshot becomes visible only with this rename.
		if err := os.Rename(tmpDir, filepath.Join(m.dir(), name)); err != nil {
			return fmt.Errorf("backup: failed to commit snapshot: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// List returns the manifests of all complete snapshots, newest first.
// Directories without a valid manifest (including interrupted staging
// directories) are invisible.
func (m *Manager) List() ([]Manifest, error) {
	entries, err := os.ReadDir(m.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: failed to read backups directory: %w", err)
	}

	var manifests []Manifest
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		manifest, err := readManifest(filepath.Join(m.dir(), e.Name()))
		if err != nil {
			continue
		}
		manifests = append(manifests, *manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].CreatedAt.After(manifests[j].CreatedAt)
	})
	return manifests, nil
}

// Restore replaces live documents with a snapshot's copies. The format
// version is validated and every snapshot file is read into memory
// before anything is touched; a mismatch or an unreadable snapshot
// entry leaves live data fully intact. Each document is replaced atomically, and the
// in-memory stores are reloaded from the restored state. When the
// snapshot was taken under a different password the vault relocks and
// vault.ErrAuthenticationFailed is returned; the restore itself has
// still committed.
func (m *Manager) Restore(name string) error {
	snapDir := filepath.Join(m.dir(), name)
	manifest, err := readManifest(snapDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return err
	}
	if manifest.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: snapshot %q has version %d, want %d",
			ErrVersionMismatch, name, manifest.FormatVersion, FormatVersion)
	}

	// Read every snapshot file up front. A snapshot with an unreadable
	// entry fails here, before any live document has been touched.
	contents := make(map[string][]byte, len(manifest.Files))
	for _, f := range manifest.Files {
		data, err := os.ReadFile(filepath.Join(snapDir, f))
		if err != nil {
			return fmt.Errorf("backup: failed to read snapshot file %q: %w", f, err)
		}
		contents[f] = data
	}

	err = m.vault.WithExclusive(func() error {
		for _, f := range manifest.Files {
			target := filepath.Join(m.vault.Root(), f)
			if err := replaceFile(target, contents[f]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// The snapshot's envelope is now live; the session key must still
	// match it before in-memory state can be rebuilt.
	if err := m.vault.VerifySession(); err != nil {
		return err
	}

	for _, s := range m.stores {
		if err := s.Load(); err != nil {
			return fmt.Errorf("backup: failed to reload state after restore: %w", err)
		}
	}
	return nil
}

// snapshotFiles lists the root files captured in a snapshot: every
// document plus the envelope.
func (m *Manager) snapshotFiles() ([]string, error) {
	names, err := m.vault.DocumentNames()
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(names)+1)
	for _, n := range names {
		files = append(files, n+vault.DocSuffix)
	}
	files = append(files, vault.EnvelopeFileName)
	return files, nil
}

// sweepStaleTemp removes staging directories left behind by interrupted
// snapshot attempts.
func (m *Manager) sweepStaleTemp() {
	entries, err := os.ReadDir(m.dir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), tmpPrefix) {
			os.RemoveAll(filepath.Join(m.dir(), e.Name()))
		}
	}
}

func readManifest(snapDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(snapDir, ManifestFileName))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("backup: manifest is not valid JSON: %w", err)
	}
	if manifest.Name == "" || len(manifest.Files) == 0 {
		return nil, fmt.Errorf("backup: manifest is missing required fields")
	}
	return &manifest, nil
}

// copyFile copies src into a snapshot staging directory with fsync.
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("backup: failed to read %q: %w", filepath.Base(src), err)
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, storage.FileMode)
	if err != nil {
		return fmt.Errorf("backup: failed to create %q: %w", filepath.Base(dst), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("backup: failed to write %q: %w", filepath.Base(dst), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("backup: failed to sync %q: %w", filepath.Base(dst), err)
	}
	return f.Close()
}

// replaceFile atomically replaces a live file under the shared bounded
// retry policy. The prior copy survives until the replacement commits.
func replaceFile(path string, data []byte) error {
	return storage.Retry(func() error {
		if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			if os.IsPermission(err) {
				return storage.Permanent(err)
			}
			return err
		}
		return os.Chmod(path, storage.FileMode)
	})
}
