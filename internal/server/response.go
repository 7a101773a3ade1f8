package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shakshuka-app/shakshuka/pkg/backup"
	"github.com/shakshuka-app/shakshuka/pkg/settings"
	"github.com/shakshuka-app/shakshuka/pkg/task"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// writeJSON marshals v to JSON and writes it to the response with the
// given status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code
// and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body.
type errorResponse struct {
	Error string `json:"error"`
}

// writeDomainError maps domain errors onto HTTP status codes. Unknown
// errors become opaque 500s; their detail goes to the log, not the wire.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrVaultLocked),
		errors.Is(err, vault.ErrAuthenticationFailed):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, vault.ErrEnvelopeNotFound):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrEnvelopeExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrTaskNotFound),
		errors.Is(err, vault.ErrDocumentNotFound),
		errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, task.ErrLimitExceeded),
		errors.Is(err, task.ErrTaskCompleted),
		errors.Is(err, task.ErrSlotConflict),
		errors.Is(err, backup.ErrVersionMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrValidation),
		errors.Is(err, settings.ErrValidation),
		errors.Is(err, backup.ErrInvalidType):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decodeStrict decodes a JSON request body into v, rejecting unknown
// fields so typo'd settings or task keys fail loudly instead of being
// silently dropped.
func decodeStrict(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// statusResponse is the body for state-transition endpoints that have
// no richer payload.
type statusResponse struct {
	Status string `json:"status"`
}

// passwordRequest is the JSON body for setup and login.
type passwordRequest struct {
	Password string `json:"password"`
}

// changePasswordRequest is the JSON body for the password change
// endpoint.
type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

// authStatusResponse reports whether storage is initialized and whether
// a session is active.
type authStatusResponse struct {
	Initialized bool `json:"initialized"`
	Locked      bool `json:"locked"`
}

// strikeRequest is the JSON body for the strike endpoint.
type strikeRequest struct {
	Mode   string `json:"mode"`
	Report string `json:"report"`
}

// scheduleRequest is the JSON body for the schedule endpoint.
type scheduleRequest struct {
	Hour     string `json:"hour"`
	Date     string `json:"date"`
	Duration int    `json:"duration"`
}

// createBackupRequest is the JSON body for snapshot creation. Type
// defaults to manual.
type createBackupRequest struct {
	Type string `json:"type"`
}

// restoreBackupRequest is the JSON body for snapshot restore.
type restoreBackupRequest struct {
	Name string `json:"name"`
}

// backupCreatedResponse returns the name of a freshly created snapshot.
type backupCreatedResponse struct {
	Name string `json:"name"`
}
