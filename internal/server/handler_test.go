package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakshuka-app/shakshuka/pkg/backup"
	"github.com/shakshuka-app/shakshuka/pkg/settings"
	"github.com/shakshuka-app/shakshuka/pkg/task"
	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

const testPassword = "abc123"

func newTestServer(t *testing.T) (http.Handler, *Handler) {
	t.Helper()
	v := vault.New(t.TempDir())
	repo := task.NewRepository(v)
	st := settings.NewStore(v)
	mgr := backup.NewManager(v, repo, st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := NewHandler(v, repo, st, mgr, nil, nil, logger)
	return NewServeMux(h, logger), h
}

type fakeAutosaveWorker struct {
	intervals []time.Duration
}

func (f *fakeAutosaveWorker) SetInterval(d time.Duration) {
	f.intervals = append(f.intervals, d)
}

type fakeResetWorker struct {
	notifies int
}

func (f *fakeResetWorker) NotifyTimeChanged() {
	f.notifies++
}

func newTestServerWithWorkers(t *testing.T) (http.Handler, *fakeAutosaveWorker, *fakeResetWorker) {
	t.Helper()
	v := vault.New(t.TempDir())
	repo := task.NewRepository(v)
	st := settings.NewStore(v)
	mgr := backup.NewManager(v, repo, st)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	autosave := &fakeAutosaveWorker{}
	reset := &fakeResetWorker{}
	h := NewHandler(v, repo, st, mgr, autosave, reset, logger)
	return NewServeMux(h, logger), autosave, reset
}

func doJSON(t *testing.T, mux http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.ContentLength = int64(buf.Len())
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func setupAndLogin(t *testing.T, mux http.Handler) {
	t.Helper()
	rec := doJSON(t, mux, http.MethodPost, "/api/auth/setup", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAuthLifecycle(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/auth/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody[map[string]bool](t, rec)
	assert.False(t, status["initialized"])
	assert.True(t, status["locked"])

	setupAndLogin(t, mux)

	rec = doJSON(t, mux, http.MethodGet, "/api/auth/status", nil)
	status = decodeBody[map[string]bool](t, rec)
	assert.True(t, status["initialized"])
	assert.False(t, status["locked"])

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/login", map[string]string{"password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/login", map[string]string{"password": testPassword})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSetupTwiceConflicts(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/auth/setup", map[string]string{"password": "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDataRoutesRequireSession(t *testing.T) {
	mux, _ := newTestServer(t)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/tasks"},
		{http.MethodPost, "/api/tasks"},
		{http.MethodGet, "/api/settings"},
		{http.MethodGet, "/api/backups"},
		{http.MethodPost, "/api/settings/password"},
	} {
		rec := doJSON(t, mux, route.method, route.path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestTaskCRUD(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{
		"title":              "Write report",
		"estimated_duration": 60,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[task.Task](t, rec)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Write report", created.Title)

	rec = doJSON(t, mux, http.MethodGet, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPut, "/api/tasks/"+created.ID, map[string]any{
		"project": "quarterly",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[task.Task](t, rec)
	assert.Equal(t, "quarterly", updated.Project)

	rec = doJSON(t, mux, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]task.Task](t, rec)
	require.Len(t, list, 1)

	rec = doJSON(t, mux, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTaskRejectsUnknownField(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{
		"title":    "ok",
		"priority": "high",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrikeDailyLimit(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{"title": "Write report"})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[task.Task](t, rec)

	strike := func() *httptest.ResponseRecorder {
		return doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/strike", created.ID),
			map[string]string{"mode": "today", "report": "drafted outline"})
	}

	rec = strike()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/undo-strike", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = strike()
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/undo-strike", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = strike()
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStrikeRequiresReport(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{"title": "t"})
	created := decodeBody[task.Task](t, rec)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/strike", created.ID),
		map[string]string{"mode": "today"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStrikeForeverCompletes(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{"title": "t"})
	created := decodeBody[task.Task](t, rec)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/strike", created.ID),
		map[string]string{"mode": "forever", "report": "no longer relevant"})
	require.Equal(t, http.StatusOK, rec.Code)
	struck := decodeBody[task.Task](t, rec)
	assert.True(t, struck.Completed)
}

func TestScheduleConflict(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{
		"title": "Write report", "estimated_duration": 60})
	first := decodeBody[task.Task](t, rec)
	rec = doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{
		"title": "Review notes", "estimated_duration": 30})
	second := decodeBody[task.Task](t, rec)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/schedule", first.ID),
		map[string]any{"hour": "14:00", "date": "2026-08-30", "duration": 60})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/schedule", second.ID),
		map[string]any{"hour": "14:30", "date": "2026-08-30", "duration": 30})
	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Contains(t, body["error"], "Write report")

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/unschedule", first.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, fmt.Sprintf("/api/tasks/%s/schedule", second.ID),
		map[string]any{"hour": "14:30", "date": "2026-08-30", "duration": 30})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestImportTasks(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks/import", []map[string]any{
		{"title": "one"},
		{"title": "two"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[[]task.Task](t, rec)
	assert.Len(t, created, 2)

	// One bad entry rejects the whole batch.
	rec = doJSON(t, mux, http.MethodPost, "/api/tasks/import", []map[string]any{
		{"title": "three"},
		{"title": ""},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, mux, http.MethodGet, "/api/tasks", nil)
	list := decodeBody[[]task.Task](t, rec)
	assert.Len(t, list, 2)
}

func doRaw(t *testing.T, mux http.Handler, method, path, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestImportTasksCSV(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	payload := "title,description,project,duration,due_date\n" +
		"Write report,Quarterly numbers,work,90,2026-09-15\n" +
		"Buy groceries,,,,\n"
	rec := doRaw(t, mux, http.MethodPost, "/api/tasks/import", "text/csv; charset=utf-8", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[[]task.Task](t, rec)
	require.Len(t, created, 2)
	assert.Equal(t, "Write report", created[0].Title)
	assert.Equal(t, 90, created[0].EstimatedDuration)
	assert.Equal(t, "2026-09-15", created[0].DueDate)
	assert.Equal(t, 60, created[1].EstimatedDuration)

	// A bad row rejects the whole batch.
	rec = doRaw(t, mux, http.MethodPost, "/api/tasks/import", "text/csv",
		"title,duration\nCall dentist,soon\n")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doJSON(t, mux, http.MethodGet, "/api/tasks", nil)
	assert.Len(t, decodeBody[[]task.Task](t, rec), 2)
}

func TestImportTasksText(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	payload := "# imported list\n" +
		"Write report | Quarterly numbers | work | 90 | 2026-09-15\n" +
		"Buy groceries\n"
	rec := doRaw(t, mux, http.MethodPost, "/api/tasks/import", "text/plain", payload)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[[]task.Task](t, rec)
	require.Len(t, created, 2)
	assert.Equal(t, "work", created[0].Project)
	assert.Equal(t, "Buy groceries", created[1].Title)
}

func TestImportTasksUnsupportedFormat(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doRaw(t, mux, http.MethodPost, "/api/tasks/import", "application/xml", "<tasks/>")
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[settings.Settings](t, rec)
	assert.Equal(t, "orange", got.Theme)
	assert.Equal(t, 30, got.AutosaveInterval)

	rec = doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"theme":             "dark",
		"autosave_interval": 60,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decodeBody[settings.Settings](t, rec)
	assert.Equal(t, "dark", got.Theme)
	assert.Equal(t, 60, got.AutosaveInterval)

	rec = doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"display_scale": 10,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"font_size": 12,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginPushesPersistedSettingsToWorkers(t *testing.T) {
	mux, autosave, reset := newTestServerWithWorkers(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"autosave_interval": 120,
		"daily_reset_time":  "18:00",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// A fresh session must run the workers on the persisted values, not
	// the defaults they were started with.
	autosave.intervals = nil
	reset.notifies = 0

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/login", map[string]string{"password": testPassword})
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotEmpty(t, autosave.intervals)
	assert.Equal(t, 120*time.Second, autosave.intervals[len(autosave.intervals)-1])
	assert.Greater(t, reset.notifies, 0)
}

func TestUpdateSettingsNotifiesWorkers(t *testing.T) {
	mux, autosave, reset := newTestServerWithWorkers(t)
	setupAndLogin(t, mux)

	autosave.intervals = nil
	reset.notifies = 0

	rec := doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"autosave_interval": 45,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, autosave.intervals)
	assert.Equal(t, 45*time.Second, autosave.intervals[len(autosave.intervals)-1])
	assert.Equal(t, 0, reset.notifies, "an interval-only patch must not touch the reset worker")

	rec = doJSON(t, mux, http.MethodPut, "/api/settings", map[string]any{
		"daily_reset_time": "07:15",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, reset.notifies)
}

func TestChangePasswordEndpoint(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{"title": "survives rekey"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/settings/password", map[string]string{
		"old_password": "wrong", "new_password": "next"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/settings/password", map[string]string{
		"old_password": testPassword, "new_password": "next"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, mux, http.MethodPost, "/api/auth/login", map[string]string{"password": "next"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/tasks", nil)
	list := decodeBody[[]task.Task](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "survives rekey", list[0].Title)
}

func TestBackupEndpoints(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/tasks", map[string]any{"title": "snapshot me"})
	created := decodeBody[task.Task](t, rec)

	rec = doJSON(t, mux, http.MethodGet, "/api/backups", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = doJSON(t, mux, http.MethodPost, "/api/backups/create", map[string]string{"type": "manual"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	name := decodeBody[map[string]string](t, rec)["name"]
	require.NotEmpty(t, name)

	rec = doJSON(t, mux, http.MethodDelete, "/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/backups/restore", map[string]string{"name": name})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, mux, http.MethodGet, "/api/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRestoreUnknownBackup(t *testing.T) {
	mux, _ := newTestServer(t)
	setupAndLogin(t, mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/backups/restore", map[string]string{
		"name": "20990101T000000-manual"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	mux, _ := newTestServer(t)

	rec := doJSON(t, mux, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "ok", body["status"])
}
