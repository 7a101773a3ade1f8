package server

import (
	"mime"
	"net/http"

	"github.com/shakshuka-app/shakshuka/pkg/task"
)

// ListTasks returns every task, stable-ordered by creation time.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}
	writeJSON(w, http.StatusOK, h.tasks.List())
}

// CreateTask adds a new task.
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var in task.CreateInput
	if err := decodeStrict(r.Body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.tasks.Create(in)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ImportTasks creates a batch of tasks atomically: one invalid entry
// rejects the whole batch. The batch may arrive as a JSON array, as
// CSV with a header row (text/csv), or as pipe-separated plain text
// (text/plain), selected by Content-Type.
func (h *Handler) ImportTasks(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var inputs []task.CreateInput
	var err error
	switch mediaType {
	case "", "application/json":
		if err := decodeStrict(r.Body, &inputs); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	case "text/csv":
		inputs, err = task.ParseCSV(r.Body)
	case "text/plain":
		inputs, err = task.ParseText(r.Body)
	default:
		writeError(w, http.StatusUnsupportedMediaType, "unsupported import format, use JSON, CSV, or plain text")
		return
	}
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "import batch is empty")
		return
	}

	created, err := h.tasks.Import(inputs)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetTask returns a single task by ID.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	t, err := h.tasks.Get(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UpdateTask applies a partial update to a task's descriptive fields.
// Lifecycle and scheduling state have their own endpoints.
func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var p task.Patch
	if err := decodeStrict(r.Body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	updated, err := h.tasks.Update(r.PathValue("id"), p)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteTask removes a task.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	if err := h.tasks.Delete(r.PathValue("id")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StrikeTask records a strike against a task. Mode "today" marks it
// struck for the current day within the daily limit; mode "forever"
// completes it. Both require a report.
func (h *Handler) StrikeTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var req strikeRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := task.ParseStrikeMode(req.Mode)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	struck, err := h.tasks.Strike(r.PathValue("id"), mode, req.Report)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struck)
}

// UndoStrike clears today's strike mark without touching the counters.
func (h *Handler) UndoStrike(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	t, err := h.tasks.UndoStrike(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CompleteTask marks a task done. Idempotent.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	t, err := h.tasks.Complete(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UncompleteTask returns a completed task to the active state.
func (h *Handler) UncompleteTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	t, err := h.tasks.Uncomplete(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ScheduleTask places a task into a time slot. Overlapping an occupied
// slot is a 409 naming the occupying task.
func (h *Handler) ScheduleTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	var req scheduleRequest
	if err := decodeStrict(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	t, err := h.tasks.Schedule(r.PathValue("id"), req.Hour, req.Date, req.Duration)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// UnscheduleTask clears a task's time slot.
func (h *Handler) UnscheduleTask(w http.ResponseWriter, r *http.Request) {
	if !h.requireUnlocked(w) {
		return
	}

	t, err := h.tasks.Unschedule(r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
