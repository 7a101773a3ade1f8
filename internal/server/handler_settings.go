package server

import (
	"net/http"

	"github.com/shakshuka-app/shakshuka/pkg/settings"
)

// GetSettings returns the current settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.settings.Get())
}

// UpdateSettings applies a partial settings update. Changes to the
// autosave interval and daily reset time take effect in the running
// workers immediately.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var p settings.Patch
	if err := decodeStrict(r.Body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.settings.Apply(p)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if p.AutosaveInterval != nil && h.autosave != nil {
		h.autosave.SetInterval(h.settings.AutosaveInterval())
	}
	if p.DailyResetTime != nil && h.dailyReset != nil {
		h.dailyReset.NotifyTimeChanged()
	}

	writeJSON(w, http.StatusOK, updated)
}
