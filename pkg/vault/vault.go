// Package vault provides shakshuka's encrypted document store: a session
// key derived from the user's password plus named AES-256-GCM documents
// written with a temp-write-then-atomic-replace discipline.
//
// The vault is a durability sink, not a cache. Callers keep authoritative
// state in memory and write through; reads from disk happen at unlock,
// after a restore, and in the offline inspect tooling.
package vault

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/shakshuka-app/shakshuka/pkg/crypto"
	"github.com/shakshuka-app/shakshuka/pkg/storage"
)

const (
	// EnvelopeFileName is the only partially-cleartext artifact in a
	// storage root: the KDF salt and parameters plus the key verifier.
	EnvelopeFileName = "envelope.json"

	// DocSuffix is the extension of encrypted document files.
	DocSuffix = ".enc"

	// stagedSuffix marks not-yet-committed copies written during a
	// password change.
	stagedSuffix = ".new"
)

// Errors returned by vault operations.
var (
	ErrEnvelopeExists       = errors.New("vault: envelope already exists, vault is initialized")
	ErrEnvelopeNotFound     = errors.New("vault: envelope not found, vault is not initialized")
	ErrAuthenticationFailed = errors.New("vault: authentication failed")
	ErrVaultLocked          = errors.New("vault: vault is locked")
	ErrDocumentNotFound     = errors.New("vault: document not found")

	// ErrDecryptionFailed indicates a single document failed
	// authentication: wrong key or on-disk corruption. The file is never
	// deleted automatically and sibling documents stay readable.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
)

// Vault manages the envelope, the in-memory session key, and the
// encrypted documents under one storage root.
type Vault struct {
	root string

	// mu is the root lock. Document writers hold it shared for the
	// duration of their physical write; backup, restore and password
	// changes hold it exclusively, which supersedes every per-document
	// lock. Lock ordering is always mu before docLocks and no method
	// acquires the same document lock twice, so the per-document locks
	// stay deadlock-free without reentrancy.
	mu sync.RWMutex

	docMu    sync.Mutex
	docLocks map[string]*sync.Mutex

	key []byte // session key, nil while locked
}

// New creates a Vault over a resolved storage root. The root must already
// exist and be writable (see storage.Resolve).
func New(root string) *Vault {
	return &Vault{
		root:     root,
		docLocks: make(map[string]*sync.Mutex),
	}
}

// Root returns the storage root directory.
func (v *Vault) Root() string {
	return v.root
}

// Locked reports whether the vault has no session key.
func (v *Vault) Locked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key == nil
}

// Relock destroys the session key. Documents stay on disk; a new Unlock
// is required before any further access.
func (v *Vault) Relock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipeKeyLocked()
}

func (v *Vault) wipeKeyLocked() {
	if v.key != nil {
		crypto.SecureWipe(v.key)
		v.key = nil
	}
}

// docLock returns the mutex serializing physical writes to one document.
func (v *Vault) docLock(name string) *sync.Mutex {
	v.docMu.Lock()
	defer v.docMu.Unlock()
	l, ok := v.docLocks[name]
	if !ok {
		l = &sync.Mutex{}
		v.docLocks[name] = l
	}
	return l
}

// DocumentPath returns the on-disk path of a named document.
func (v *Vault) DocumentPath(name string) string {
	return filepath.Join(v.root, name+DocSuffix)
}

// DocumentNames lists the names of all documents present in the root,
// ignoring staged and temporary files.
func (v *Vault) DocumentNames() ([]string, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to read storage root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DocSuffix) {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), DocSuffix))
	}
	return names, nil
}

// Save serializes nothing: it encrypts the given plaintext under the
// session key and atomically replaces the named document. The previous
// valid copy survives until the replacement commits, so a crash mid-write
// never leaves the document absent or unreadable.
func (v *Vault) Save(name string, plaintext []byte) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return ErrVaultLocked
	}

	blob, err := crypto.Seal(v.key, plaintext)
	if err != nil {
		return fmt.Errorf("vault: failed to encrypt document %q: %w", name, err)
	}

	l := v.docLock(name)
	l.Lock()
	defer l.Unlock()

	return writeDocument(v.DocumentPath(name), blob)
}

// Load reads, decrypts and authenticates the named document. A document
// that fails authentication is reported with ErrDecryptionFailed and left
// untouched on disk; other documents remain accessible.
func (v *Vault) Load(name string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if v.key == nil {
		return nil, ErrVaultLocked
	}

	blob, err := os.ReadFile(v.DocumentPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
		}
		return nil, fmt.Errorf("vault: failed to read document %q: %w", name, err)
	}

	plaintext, err := crypto.Open(v.key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: document %q", ErrDecryptionFailed, name)
	}
	return plaintext, nil
}

// WithExclusive runs fn while holding the root lock exclusively. Backup
// and restore use this to guarantee no document write is in flight for
// their full duration; the lock is released on every return path.
func (v *Vault) WithExclusive(fn func() error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return fn()
}

// VerifySession checks the current session key against the on-disk
// envelope. Used after a restore replaces the envelope: a snapshot taken
// under a different password invalidates the session.
func (v *Vault) VerifySession() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.key == nil {
		return ErrVaultLocked
	}
	env, err := readEnvelope(v.envelopePath())
	if err != nil {
		return err
	}
	if err := env.check(v.key); err != nil {
		v.wipeKeyLocked()
		return err
	}
	return nil
}

// writeDocument writes a ciphertext blob with temp-write-then-atomic-
// replace under the shared bounded-retry policy.
func writeDocument(path string, blob []byte) error {
	return storage.Retry(func() error {
		if err := atomic.WriteFile(path, bytes.NewReader(blob)); err != nil {
			if os.IsPermission(err) {
				return storage.Permanent(err)
			}
			return err
		}
		return os.Chmod(path, storage.FileMode)
	})
}
