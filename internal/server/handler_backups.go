package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/shakshuka-app/shakshuka/pkg/backup"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// ListBackups returns the manifests of all complete snapshots, newest
// first.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	manifests, err := h.backups.List()
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if manifests == nil {
		manifests = []backup.Manifest{}
	}
	writeJSON(w, http.StatusOK, manifests)
}

// CreateBackup takes a snapshot. Type defaults to manual.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	req := createBackupRequest{Type: string(backup.TypeManual)}
	if err := decodeStrict(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name, err := h.backups.Create(backup.Type(req.Type))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("snapshot created", "name", name)
	writeJSON(w, http.StatusCreated, backupCreatedResponse{Name: name})
}

// RestoreBackup replaces live data with a snapshot. When the snapshot
// was taken under a different master password the restore still
// commits, but the session ends and the client must log in with the
// snapshot-era password.
func (h *Handler) RestoreBackup(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var req restoreBackupRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.backups.Restore(req.Name); err != nil {
		if errors.Is(err, vault.ErrAuthenticationFailed) {
			h.logger.Info("snapshot restored under different password, session ended", "name", req.Name)
			writeJSON(w, http.StatusOK, statusResponse{Status: "restored, login required"})
			return
		}
		h.writeDomainError(w, err)
		return
	}

	h.syncWorkers()
	h.logger.Info("snapshot restored", "name", req.Name)
	writeJSON(w, http.StatusOK, statusResponse{Status: "restored"})
}
