package server

import (
	"net/http"
	"time"
)

// Setup initializes the encrypted store with a master password. Fails
// with 409 when already initialized.
func (h *Handler) Setup(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "password is required")
		return
	}

	if err := h.vault.Initialize(req.Password); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.loadStores(); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.syncWorkers()

	h.logger.Info("storage initialized")
	writeJSON(w, http.StatusCreated, statusResponse{Status: "initialized"})
}

// Login unlocks the store and loads tasks and settings into memory.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.vault.Unlock(req.Password); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.loadStores(); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.syncWorkers()

	h.logger.Info("session started")
	writeJSON(w, http.StatusOK, statusResponse{Status: "unlocked"})
}

// Logout flushes pending state and relocks the store.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if !h.vault.Locked() {
		if err := h.flushStores(); err != nil {
			h.writeDomainError(w, err)
			return
		}
	}
	h.vault.Relock()

	h.logger.Info("session ended")
	writeJSON(w, http.StatusOK, statusResponse{Status: "locked"})
}

// AuthStatus reports whether storage is initialized and whether a
// session is active. Available without authentication so a client can
// decide between the setup and login flows.
func (h *Handler) AuthStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, authStatusResponse{
		Initialized: h.vault.EnvelopePresent(),
		Locked:      h.vault.Locked(),
	})
}

// ChangePassword re-keys the store under a new master password. Pending
// in-memory state is flushed first so the re-encryption pass covers it.
func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var req changePasswordRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "new_password is required")
		return
	}

	if err := h.flushStores(); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if err := h.vault.ChangePassword(req.OldPassword, req.NewPassword); err != nil {
		h.writeDomainError(w, err)
		return
	}

	h.logger.Info("master password changed")
	writeJSON(w, http.StatusOK, statusResponse{Status: "password changed"})
}

// Health reports process liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
