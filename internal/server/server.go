// Package server is the HTTP driving adapter that serves the REST API
// over the encrypted task store.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/shakshuka-app/shakshuka/pkg/backup"
	"github.com/shakshuka-app/shakshuka/pkg/settings"
	"github.com/shakshuka-app/shakshuka/pkg/task"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// AutosaveWorker is the slice of the autosave worker the API drives.
type AutosaveWorker interface {
	SetInterval(time.Duration)
}

// ResetWorker is notified when the configured daily reset time changes.
type ResetWorker interface {
	NotifyTimeChanged()
}

// Handler serves the REST API.
type Handler struct {
	vault      *vault.Vault
	tasks      *task.Repository
	settings   *settings.Store
	backups    *backup.Manager
	autosave   AutosaveWorker
	dailyReset ResetWorker
	logger     *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. The
// autosave and daily reset workers may be nil in tests; settings
// changes then simply do not notify them.
func NewHandler(
	v *vault.Vault,
	tasks *task.Repository,
	st *settings.Store,
	backups *backup.Manager,
	autosave AutosaveWorker,
	dailyReset ResetWorker,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		vault:      v,
		tasks:      tasks,
		settings:   st,
		backups:    backups,
		autosave:   autosave,
		dailyReset: dailyReset,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and
// wrapped with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/setup", h.Setup)
	mux.HandleFunc("POST /api/auth/login", h.Login)
	mux.HandleFunc("POST /api/auth/logout", h.Logout)
	mux.HandleFunc("GET /api/auth/status", h.AuthStatus)
	mux.HandleFunc("POST /api/settings/password", h.ChangePassword)

	mux.HandleFunc("GET /api/tasks", h.ListTasks)
	mux.HandleFunc("POST /api/tasks", h.CreateTask)
	mux.HandleFunc("POST /api/tasks/import", h.ImportTasks)
	mux.HandleFunc("GET /api/tasks/{id}", h.GetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", h.UpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", h.DeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/strike", h.StrikeTask)
	mux.HandleFunc("POST /api/tasks/{id}/undo-strike", h.UndoStrike)
	mux.HandleFunc("POST /api/tasks/{id}/complete", h.CompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/uncomplete", h.UncompleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/schedule", h.ScheduleTask)
	mux.HandleFunc("POST /api/tasks/{id}/unschedule", h.UnscheduleTask)

	mux.HandleFunc("GET /api/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/settings", h.UpdateSettings)

	mux.HandleFunc("GET /api/backups", h.ListBackups)
	mux.HandleFunc("POST /api/backups/create", h.CreateBackup)
	mux.HandleFunc("POST /api/backups/restore", h.RestoreBackup)

	mux.HandleFunc("GET /api/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// requireUnlocked writes a 401 and returns false when no session is
// active. Every data route goes through this; auth routes do not.
func (h *Handler) requireUnlocked(w http.ResponseWriter) bool {
	if h.vault.Locked() {
		writeError(w, http.StatusUnauthorized, "vault is locked")
		return false
	}
	return true
}

// loadStores rebuilds in-memory state from the vault after a session
// starts.
func (h *Handler) loadStores() error {
	if err := h.tasks.Load(); err != nil {
		return err
	}
	return h.settings.Load()
}

// syncWorkers pushes the current settings into the running workers.
// Called whenever loaded state may differ from what the workers were
// started with: the workers boot on defaults, so a session whose
// persisted interval or reset time differs would otherwise keep the
// defaults until the next settings change.
func (h *Handler) syncWorkers() {
	if h.autosave != nil {
		h.autosave.SetInterval(h.settings.AutosaveInterval())
	}
	if h.dailyReset != nil {
		h.dailyReset.NotifyTimeChanged()
	}
}

// flushStores persists pending in-memory state.
func (h *Handler) flushStores() error {
	if err := h.tasks.Flush(); err != nil {
		return err
	}
	return h.settings.Flush()
}
