package vault

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shakshuka-app/shakshuka/pkg/crypto"
	"github.com/shakshuka-app/shakshuka/pkg/storage"
)

// FormatVersion is the envelope and snapshot format version.
const FormatVersion = 1

// canary is the fixed plaintext sealed into the verifier. Checking a
// password means decrypting the verifier and comparing this value, which
// costs an attacker exactly one KDF run plus one GCM open per guess: the
// same as attacking a real document, so the verifier is not a cheaper
// brute-force oracle.
const canary = "shakshuka-envelope-canary-v1"

// KDFParams records the Argon2id inputs used to derive the key. The salt
// is non-secret and persisted in clear.
type KDFParams struct {
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// Envelope is the persisted salt+verifier structure. It never contains
// the password or the derived key.
type Envelope struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	KDF       KDFParams `json:"kdf"`
	Verifier  []byte    `json:"verifier"`
}

// derive runs the KDF recorded in the envelope over a password.
func (e *Envelope) derive(password string) []byte {
	normalized := crypto.NormalizePassword(password)
	defer crypto.SecureWipe(normalized)
	return crypto.DeriveKey(normalized, e.KDF.Salt)
}

// check opens the verifier under key and compares the canary in constant
// time. Both failure modes return ErrAuthenticationFailed without
// revealing which check failed.
func (e *Envelope) check(key []byte) error {
	plain, err := crypto.Open(key, e.Verifier)
	if err != nil {
		return ErrAuthenticationFailed
	}
	if subtle.ConstantTimeCompare(plain, []byte(canary)) != 1 {
		return ErrAuthenticationFailed
	}
	return nil
}

// newEnvelope generates a fresh salt, derives a key from password, and
// seals the canary. Returns the envelope together with the derived key.
func newEnvelope(password string) (*Envelope, []byte, error) {
	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, nil, err
	}

	normalized := crypto.NormalizePassword(password)
	defer crypto.SecureWipe(normalized)
	key := crypto.DeriveKey(normalized, salt)

	verifier, err := crypto.Seal(key, []byte(canary))
	if err != nil {
		crypto.SecureWipe(key)
		return nil, nil, fmt.Errorf("vault: failed to seal verifier: %w", err)
	}

	return &Envelope{
		Version:   FormatVersion,
		CreatedAt: time.Now().UTC(),
		KDF: KDFParams{
			Salt:    salt,
			Time:    crypto.Argon2Time,
			Memory:  crypto.Argon2Memory,
			Threads: crypto.Argon2Threads,
		},
		Verifier: verifier,
	}, key, nil
}

func (v *Vault) envelopePath() string {
	return filepath.Join(v.root, EnvelopeFileName)
}

// EnvelopePresent reports whether a readable envelope exists. First-run
// detection goes through this rather than a bare file-existence check so
// a directory that exists without a decodable envelope still counts as
// first run.
func (v *Vault) EnvelopePresent() bool {
	_, err := readEnvelope(v.envelopePath())
	return err == nil
}

// Initialize sets up a new vault: generate salt, derive the key, persist
// salt and verifier, and keep the key in memory for the session. Fails
// with ErrEnvelopeExists when an envelope is already present.
func (v *Vault) Initialize(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := readEnvelope(v.envelopePath()); err == nil {
		return ErrEnvelopeExists
	}

	env, key, err := newEnvelope(password)
	if err != nil {
		return err
	}

	if err := writeEnvelope(v.envelopePath(), env); err != nil {
		crypto.SecureWipe(key)
		return err
	}

	v.wipeKeyLocked()
	v.key = key
	return nil
}

// Unlock derives the key from password and the stored salt, confirms it
// against the verifier, and keeps it for the session. It then finishes
// any password change interrupted mid-commit.
func (v *Vault) Unlock(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	env, err := readEnvelope(v.envelopePath())
	if err != nil {
		return err
	}

	key := env.derive(password)
	if err := env.check(key); err != nil {
		crypto.SecureWipe(key)
		return err
	}

	if err := v.recoverStagedLocked(key); err != nil {
		crypto.SecureWipe(key)
		return err
	}

	v.wipeKeyLocked()
	v.key = key
	return nil
}

// ChangePassword re-derives the envelope under a new password and
// re-encrypts every document as one logically atomic operation.
//
// Staging discipline: every document is re-encrypted to "<doc>.enc.new"
// and the replacement envelope to "envelope.json.new". The atomic rename
// of the envelope is the commit point; only then are the staged documents
// promoted over the live ones. An interruption before the commit leaves
// the old envelope and ciphertexts fully valid (the old password keeps
// working); an interruption after it is rolled forward by the next
// Unlock. A failure partway therefore never locks the user out.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	env, err := readEnvelope(v.envelopePath())
	if err != nil {
		return err
	}

	oldKey := env.derive(oldPassword)
	defer crypto.SecureWipe(oldKey)
	if err := env.check(oldKey); err != nil {
		return err
	}

	newEnv, newKey, err := newEnvelope(newPassword)
	if err != nil {
		return err
	}

	names, err := v.documentNamesLocked()
	if err != nil {
		crypto.SecureWipe(newKey)
		return err
	}

	// Stage re-encrypted copies. The live files are not touched.
	for _, name := range names {
		blob, err := os.ReadFile(v.DocumentPath(name))
		if err != nil {
			crypto.SecureWipe(newKey)
			return fmt.Errorf("vault: failed to read document %q: %w", name, err)
		}
		plain, err := crypto.Open(oldKey, blob)
		if err != nil {
			crypto.SecureWipe(newKey)
			return fmt.Errorf("%w: document %q", ErrDecryptionFailed, name)
		}
		reblob, err := crypto.Seal(newKey, plain)
		crypto.SecureWipe(plain)
		if err != nil {
			crypto.SecureWipe(newKey)
			return fmt.Errorf("vault: failed to re-encrypt document %q: %w", name, err)
		}
		if err := writeFileSync(v.DocumentPath(name)+stagedSuffix, reblob); err != nil {
			crypto.SecureWipe(newKey)
			return err
		}
	}

	stagedEnvelope := v.envelopePath() + stagedSuffix
	if err := writeEnvelopeTo(stagedEnvelope, newEnv); err != nil {
		crypto.SecureWipe(newKey)
		return err
	}

	// Commit point: after this rename the new envelope is authoritative.
	if err := os.Rename(stagedEnvelope, v.envelopePath()); err != nil {
		crypto.SecureWipe(newKey)
		return fmt.Errorf("vault: failed to commit new envelope: %w", err)
	}

	// Promote staged documents; any leftover on crash is rolled forward
	// by the next Unlock.
	for _, name := range names {
		if err := os.Rename(v.DocumentPath(name)+stagedSuffix, v.DocumentPath(name)); err != nil {
			return fmt.Errorf("vault: failed to promote document %q: %w", name, err)
		}
	}

	v.wipeKeyLocked()
	v.key = newKey
	return nil
}

// recoverStagedLocked cleans up after an interrupted password change.
// Callers hold v.mu and pass the key that just passed the verifier check.
//
//   - A staged envelope means the commit never happened: the change is
//     aborted by deleting all staged files.
//   - Staged documents without a staged envelope either belong to a
//     committed change (they decrypt under the current key: promote) or
//     to one aborted before the envelope was staged (they do not: delete).
func (v *Vault) recoverStagedLocked(key []byte) error {
	stagedEnvelope := v.envelopePath() + stagedSuffix
	envelopeStaged := false
	if _, err := os.Stat(stagedEnvelope); err == nil {
		envelopeStaged = true
		if err := os.Remove(stagedEnvelope); err != nil {
			return fmt.Errorf("vault: failed to remove staged envelope: %w", err)
		}
	}

	entries, err := os.ReadDir(v.root)
	if err != nil {
		return fmt.Errorf("vault: failed to read storage root: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), DocSuffix+stagedSuffix) {
			continue
		}
		stagedPath := filepath.Join(v.root, e.Name())

		if envelopeStaged {
			if err := os.Remove(stagedPath); err != nil {
				return fmt.Errorf("vault: failed to discard staged document: %w", err)
			}
			continue
		}

		blob, err := os.ReadFile(stagedPath)
		if err != nil {
			return fmt.Errorf("vault: failed to read staged document: %w", err)
		}
		if _, err := crypto.Open(key, blob); err == nil {
			livePath := strings.TrimSuffix(stagedPath, stagedSuffix)
			if err := os.Rename(stagedPath, livePath); err != nil {
				return fmt.Errorf("vault: failed to roll forward document: %w", err)
			}
		} else if err := os.Remove(stagedPath); err != nil {
			return fmt.Errorf("vault: failed to discard staged document: %w", err)
		}
	}
	return nil
}

// documentNamesLocked is DocumentNames for callers already holding v.mu.
func (v *Vault) documentNamesLocked() ([]string, error) {
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

// OpenDocumentWithPassword decrypts one document offline, without a vault
// session. Used by the inspect command for disaster recovery; read-only.
func OpenDocumentWithPassword(root, password, name string) ([]byte, error) {
	env, err := readEnvelope(filepath.Join(root, EnvelopeFileName))
	if err != nil {
		return nil, err
	}

	key := env.derive(password)
	defer crypto.SecureWipe(key)
	if err := env.check(key); err != nil {
		return nil, err
	}

	blob, err := os.ReadFile(filepath.Join(root, name+DocSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrDocumentNotFound, name)
		}
		return nil, fmt.Errorf("vault: failed to read document %q: %w", name, err)
	}

	plain, err := crypto.Open(key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: document %q", ErrDecryptionFailed, name)
	}
	return plain, nil
}

func readEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, fmt.Errorf("vault: failed to read envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("vault: envelope is not valid JSON: %w", err)
	}
	if env.Version == 0 || len(env.KDF.Salt) == 0 || len(env.Verifier) == 0 {
		return nil, fmt.Errorf("vault: envelope is missing required fields")
	}
	return &env, nil
}

func writeEnvelope(path string, env *Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal envelope: %w", err)
	}
	return writeDocument(path, data)
}

// writeEnvelopeTo writes a staged envelope with fsync but without the
// atomic-replace step; the later rename is the commit.
func writeEnvelopeTo(path string, env *Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: failed to marshal envelope: %w", err)
	}
	return writeFileSync(path, data)
}

// writeFileSync writes data and flushes it to durable storage before
// returning. Staging files use this; live replacements go through
// writeDocument.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, storage.FileMode)
	if err != nil {
		return fmt.Errorf("vault: failed to create %s: %w", filepath.Base(path), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("vault: failed to write %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("vault: failed to sync %s: %w", filepath.Base(path), err)
	}
	return f.Close()
}
