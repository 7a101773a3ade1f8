package vault

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/shakshuka-app/shakshuka/pkg/crypto"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return New(t.TempDir())
}

func TestInitializeAndUnlock(t *testing.T) {
	v := newTestVault(t)

	if v.EnvelopePresent() {
		t.Error("EnvelopePresent() = true before Initialize")
	}

	if err := v.Initialize("correct horse"); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !v.EnvelopePresent() {
		t.Error("EnvelopePresent() = false after Initialize")
	}
	if v.Locked() {
		t.Error("Locked() = true after Initialize")
	}

	v.Relock()
	if !v.Locked() {
		t.Error("Locked() = false after Relock")
	}

	if err := v.Unlock("correct horse"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if v.Locked() {
		t.Error("Locked() = true after successful Unlock")
	}
}

func TestUnlockWrongPassword(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("right"); err != nil {
		t.Fatal(err)
	}
	v.Relock()

	err := v.Unlock("wrong")
	if !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Unlock() error = %v, want ErrAuthenticationFailed", err)
	}
	if !v.Locked() {
		t.Error("vault unlocked despite wrong password")
	}
}

func TestInitializeTwice(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	if err := v.Initialize("pw"); !errors.Is(err, ErrEnvelopeExists) {
		t.Errorf("second Initialize() error = %v, want ErrEnvelopeExists", err)
	}
}

func TestUnlockWithoutEnvelope(t *testing.T) {
	v := newTestVault(t)
	if err := v.Unlock("pw"); !errors.Is(err, ErrEnvelopeNotFound) {
		t.Errorf("Unlock() error = %v, want ErrEnvelopeNotFound", err)
	}
}

func TestEnvelopePresentRejectsGarbage(t *testing.T) {
	v := newTestVault(t)
	if err := os.WriteFile(filepath.Join(v.Root(), EnvelopeFileName), []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if v.EnvelopePresent() {
		t.Error("EnvelopePresent() = true for undecodable envelope")
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}

	payload := []byte(`{"tasks":[{"id":"1","title":"write report"}]}`)
	if err := v.Save("tasks", payload); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := v.Load("tasks")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Load() = %q, want %q", got, payload)
	}

	// Ciphertext on disk must be opaque.
	raw, err := os.ReadFile(v.DocumentPath("tasks"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("write report")) {
		t.Error("document file contains plaintext")
	}
}

func TestLoadMissingDocument(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	if _, err := v.Load("absent"); !errors.Is(err, ErrDocumentNotFound) {
		t.Errorf("Load() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestLockedOperations(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	v.Relock()

	if err := v.Save("tasks", []byte("x")); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Save() while locked error = %v, want ErrVaultLocked", err)
	}
	if _, err := v.Load("tasks"); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Load() while locked error = %v, want ErrVaultLocked", err)
	}
}

func TestDocumentIndependence(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	if err := v.Save("tasks", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := v.Save("settings", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}

	// Corrupt one document in place.
	tasksPath := v.DocumentPath("tasks")
	raw, err := os.ReadFile(tasksPath)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(tasksPath, raw, 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := v.Load("tasks"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Load(corrupted) error = %v, want ErrDecryptionFailed", err)
	}
	// The corrupted file is never auto-deleted.
	if _, err := os.Stat(tasksPath); err != nil {
		t.Errorf("corrupted document was removed: %v", err)
	}
	// Siblings stay usable.
	if _, err := v.Load("settings"); err != nil {
		t.Errorf("Load(sibling) error = %v", err)
	}
}

func TestCrashBetweenTempWriteAndReplace(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	before := []byte(`{"value":"before"}`)
	if err := v.Save("tasks", before); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash after the temp file was written but before the
	// rename committed: a stray temp file sits beside the live document.
	stray := filepath.Join(v.Root(), "tasks.enc.tmp12345")
	if err := os.WriteFile(stray, []byte("half-written ciphertext"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := v.Load("tasks")
	if err != nil {
		t.Fatalf("Load() after simulated crash error = %v", err)
	}
	if !bytes.Equal(got, before) {
		t.Errorf("Load() = %q, want pre-crash value %q", got, before)
	}
}

func TestChangePassword(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("old-pass"); err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"tasks":["keep me"]}`)
	if err := v.Save("tasks", payload); err != nil {
		t.Fatal(err)
	}

	if err := v.ChangePassword("old-pass", "new-pass"); err != nil {
		t.Fatalf("ChangePassword() error = %v", err)
	}

	// Session continues under the new key.
	got, err := v.Load("tasks")
	if err != nil {
		t.Fatalf("Load() after password change error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Load() = %q, want %q", got, payload)
	}

	v.Relock()
	if err := v.Unlock("old-pass"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Unlock(old) error = %v, want ErrAuthenticationFailed", err)
	}
	if err := v.Unlock("new-pass"); err != nil {
		t.Fatalf("Unlock(new) error = %v", err)
	}
	if _, err := v.Load("tasks"); err != nil {
		t.Errorf("Load() under new password error = %v", err)
	}
}

func TestChangePasswordWrongOld(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	if err := v.ChangePassword("nope", "new"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("ChangePassword() error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestChangePasswordInterruptedBeforeCommit(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("old-pass"); err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"tasks":["survivor"]}`)
	if err := v.Save("tasks", payload); err != nil {
		t.Fatal(err)
	}
	v.Relock()

	// Simulate an interruption after staging but before the envelope
	// rename: staged document and staged envelope both present, live
	// files untouched.
	newEnv, newKey, err := newEnvelope("new-pass")
	if err != nil {
		t.Fatal(err)
	}
	defer crypto.SecureWipe(newKey)
	staged, err := crypto.Seal(newKey, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(v.DocumentPath("tasks")+stagedSuffix, staged, 0600); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelopeTo(v.envelopePath()+stagedSuffix, newEnv); err != nil {
		t.Fatal(err)
	}

	// The old password still works and data is intact.
	if err := v.Unlock("old-pass"); err != nil {
		t.Fatalf("Unlock(old) after interrupted change error = %v", err)
	}
	got, err := v.Load("tasks")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Load() = %q, want %q", got, payload)
	}

	// The aborted staging residue is gone.
	if _, err := os.Stat(v.DocumentPath("tasks") + stagedSuffix); !os.IsNotExist(err) {
		t.Error("staged document not cleaned up")
	}
	if _, err := os.Stat(v.envelopePath() + stagedSuffix); !os.IsNotExist(err) {
		t.Error("staged envelope not cleaned up")
	}
}

func TestChangePasswordRolledForwardAfterCommit(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("old-pass"); err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"tasks":["survivor"]}`)
	if err := v.Save("tasks", payload); err != nil {
		t.Fatal(err)
	}
	v.Relock()

	// Simulate a crash right after the commit point: the new envelope is
	// live but the staged document was not yet promoted.
	newEnv, newKey, err := newEnvelope("new-pass")
	if err != nil {
		t.Fatal(err)
	}
	defer crypto.SecureWipe(newKey)
	staged, err := crypto.Seal(newKey, payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(v.DocumentPath("tasks")+stagedSuffix, staged, 0600); err != nil {
		t.Fatal(err)
	}
	if err := writeEnvelope(v.envelopePath(), newEnv); err != nil {
		t.Fatal(err)
	}

	if err := v.Unlock("old-pass"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Unlock(old) after commit error = %v, want ErrAuthenticationFailed", err)
	}

	if err := v.Unlock("new-pass"); err != nil {
		t.Fatalf("Unlock(new) error = %v", err)
	}
	got, err := v.Load("tasks")
	if err != nil {
		t.Fatalf("Load() after roll-forward error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Load() = %q, want %q", got, payload)
	}
	if _, err := os.Stat(v.DocumentPath("tasks") + stagedSuffix); !os.IsNotExist(err) {
		t.Error("staged document not promoted")
	}
}

func TestOpenDocumentWithPassword(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	payload := []byte(`{"offline":"read"}`)
	if err := v.Save("tasks", payload); err != nil {
		t.Fatal(err)
	}

	got, err := OpenDocumentWithPassword(v.Root(), "pw", "tasks")
	if err != nil {
		t.Fatalf("OpenDocumentWithPassword() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("OpenDocumentWithPassword() = %q, want %q", got, payload)
	}

	if _, err := OpenDocumentWithPassword(v.Root(), "bad", "tasks"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("OpenDocumentWithPassword(bad) error = %v, want ErrAuthenticationFailed", err)
	}
}

func TestDocumentNames(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}
	if err := v.Save("tasks", []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if err := v.Save("settings", []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	// Staged files must not show up as documents.
	if err := os.WriteFile(v.DocumentPath("tasks")+stagedSuffix, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	names, err := v.DocumentNames()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("DocumentNames() = %v, want exactly tasks and settings", names)
	}
}

func TestVerifySessionAfterEnvelopeSwap(t *testing.T) {
	v := newTestVault(t)
	if err := v.Initialize("pw"); err != nil {
		t.Fatal(err)
	}

	// Replace the envelope with one derived from another password, as a
	// restore of an older snapshot would.
	otherEnv, otherKey, err := newEnvelope("other")
	if err != nil {
		t.Fatal(err)
	}
	crypto.SecureWipe(otherKey)
	if err := writeEnvelope(v.envelopePath(), otherEnv); err != nil {
		t.Fatal(err)
	}

	if err := v.VerifySession(); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("VerifySession() error = %v, want ErrAuthenticationFailed", err)
	}
	if !v.Locked() {
		t.Error("vault should relock when the session no longer matches the envelope")
	}
}
