package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// DocumentName is the vault document holding all tasks.
const DocumentName = "tasks"

// Repository is the typed read-modify-write API over the encrypted store.
// In-memory state is authoritative: reads never touch disk, mutations
// serialize on the repository lock and mark the state dirty for the next
// flush. The vault is a durability sink.
type Repository struct {
	store *vault.Vault

	mu    sync.Mutex
	tasks map[string]*Task
	dirty atomic.Bool

	now func() time.Time
}

// NewRepository creates a Repository over an unlocked vault.
func NewRepository(store *vault.Vault) *Repository {
	return &Repository{
		store: store,
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

// Load replaces in-memory state with the persisted tasks document. A
// missing document is an empty repository (first run); a document that
// fails authentication propagates vault.ErrDecryptionFailed and leaves
// the previous in-memory state untouched.
func (r *Repository) Load() error {
	data, err := r.store.Load(DocumentName)
	if err != nil {
		if errors.Is(err, vault.ErrDocumentNotFound) {
			r.mu.Lock()
			r.tasks = make(map[string]*Task)
			r.dirty.Store(false)
			r.mu.Unlock()
			return nil
		}
		return err
	}

	var list []*Task
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("task: failed to decode tasks document: %w", err)
	}

	tasks := make(map[string]*Task, len(list))
	for _, t := range list {
		tasks[t.ID] = t
	}

	r.mu.Lock()
	r.tasks = tasks
	r.dirty.Store(false)
	r.mu.Unlock()
	return nil
}

// Flush writes the current state through to the vault when dirty. A
// clean repository is a no-op. The dirty flag is claimed together with
// the state snapshot under the repository lock: a mutation landing
// while the vault write is in flight re-dirties the flag and is picked
// up by the next cycle instead of being masked by the commit. A failed
// write restores the flag so the flush is retried.
func (r *Repository) Flush() error {
	if !r.dirty.Load() {
		return nil
	}

	r.mu.Lock()
	list := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		list = append(list, t.clone())
	}
	r.dirty.Store(false)
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})

	data, err := json.Marshal(list)
	if err != nil {
		r.dirty.Store(true)
		return fmt.Errorf("task: failed to encode tasks document: %w", err)
	}
	if err := r.store.Save(DocumentName, data); err != nil {
		r.dirty.Store(true)
		return err
	}
	return nil
}

// Dirty reports whether mutations are pending a flush.
func (r *Repository) Dirty() bool {
	return r.dirty.Load()
}

// Create validates input and adds a new task with a fresh ID.
func (r *Repository) Create(in CreateInput) (*Task, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	t := &Task{
		ID:                uuid.NewString(),
		Title:             in.Title,
		Description:       in.Description,
		Project:           in.Project,
		DueDate:           in.DueDate,
		EstimatedDuration: in.EstimatedDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	r.mu.Lock()
	r.tasks[t.ID] = t
	r.mu.Unlock()
	r.dirty.Store(true)
	return t.clone(), nil
}

// Import bulk-creates tasks, validating each entry like Create. The whole
// batch is rejected on the first invalid entry.
func (r *Repository) Import(inputs []CreateInput) ([]*Task, error) {
	for i := range inputs {
		if err := inputs[i].validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}

	created := make([]*Task, 0, len(inputs))
	for _, in := range inputs {
		t, err := r.Create(in)
		if err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	return created, nil
}

// Get returns a copy of the task with the given id.
func (r *Repository) Get(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// List returns copies of all tasks ordered by creation time.
func (r *Repository) List() []*Task {
	r.mu.Lock()
	list := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		list = append(list, t.clone())
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Update applies a typed partial patch.
func (r *Repository) Update(id string, p Patch) (*Task, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Project != nil {
		t.Project = *p.Project
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.EstimatedDuration != nil {
		t.EstimatedDuration = *p.EstimatedDuration
	}
	t.UpdatedAt = r.now().UTC()
	r.dirty.Store(true)
	return t.clone(), nil
}

// Delete removes a task.
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	delete(r.tasks, id)
	r.dirty.Store(true)
	return nil
}

// Strike records progress on a task. mode=today is reversible via
// UndoStrike and bounded at MaxDailyStrikes acceptances per calendar day;
// mode=forever moves the task to its terminal Completed state and is a
// no-op success when already completed. The report is mandatory.
func (r *Repository) Strike(id string, mode StrikeMode, report string) (*Task, error) {
	if report == "" {
		return nil, &ValidationError{Field: "report", Reason: "must not be empty"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	now := r.now().UTC()
	today := now.Format(dateLayout)

	switch mode {
	case StrikeToday:
		if t.Completed {
			return nil, fmt.Errorf("%w: %s", ErrTaskCompleted, id)
		}
		if t.DayStrikesDate != today {
			t.DayStrikes = 0
			t.DayStrikesDate = today
		}
		if t.DayStrikes >= MaxDailyStrikes {
			return nil, fmt.Errorf("%w: task %s already has %d strikes for %s",
				ErrLimitExceeded, id, t.DayStrikes, today)
		}
		t.DayStrikes++
		t.StrikeCount++
		t.StruckToday = true
		t.StruckDate = today
		t.StrikeReport = report

	case StrikeForever:
		if t.Completed {
			return t.clone(), nil
		}
		t.StrikeCount++
		t.StrikeReport = report
		t.Completed = true
		t.CompletedAt = &now
		t.StruckToday = false
		t.StruckDate = ""

	default:
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown strike mode %q", mode)}
	}

	t.UpdatedAt = now
	r.dirty.Store(true)
	return t.clone(), nil
}

// UndoStrike reverses a today-strike. The total strike count and the
// per-day acceptance counter are not decremented: the strike was
// accepted, undo only clears the daily flag and its report.
func (r *Repository) UndoStrike(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.StruckToday {
		return nil, &ValidationError{Field: "strike", Reason: "task is not struck for today"}
	}

	t.StruckToday = false
	t.StruckDate = ""
	t.StrikeReport = ""
	t.UpdatedAt = r.now().UTC()
	r.dirty.Store(true)
	return t.clone(), nil
}

// Complete marks a task done. Idempotent.
func (r *Repository) Complete(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Completed {
		return t.clone(), nil
	}

	now := r.now().UTC()
	t.Completed = true
	t.CompletedAt = &now
	t.StruckToday = false
	t.StruckDate = ""
	t.UpdatedAt = now
	r.dirty.Store(true)
	return t.clone(), nil
}

// Uncomplete returns a completed task to the active state.
func (r *Repository) Uncomplete(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.Completed = false
	t.CompletedAt = nil
	t.UpdatedAt = r.now().UTC()
	r.dirty.Store(true)
	return t.clone(), nil
}

// Schedule claims a date+hour+duration slot for a task. Overlapping
// claims on the same date are rejected with a SlotConflictError naming
// the occupying task; invalid hours, dates and durations are rejected
// with ValidationError.
func (r *Repository) Schedule(id, hour, date string, duration int) (*Task, error) {
	start, err := parseHour(hour)
	if err != nil {
		return nil, err
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return nil, &ValidationError{Field: "date", Reason: "must be a YYYY-MM-DD date"}
	}
	if duration <= 0 || duration > MaxDurationMinutes {
		return nil, &ValidationError{Field: "duration",
			Reason: fmt.Sprintf("must be between 1 and %d minutes", MaxDurationMinutes)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Completed {
		return nil, fmt.Errorf("%w: %s", ErrTaskCompleted, id)
	}

	end := start + duration
	for _, other := range r.tasks {
		if other.ID == id || other.ScheduledDate != date || other.ScheduledHour == "" {
			continue
		}
		otherStart, err := parseHour(other.ScheduledHour)
		if err != nil {
			continue
		}
		otherEnd := otherStart + other.EstimatedDuration
		if other.EstimatedDuration <= 0 {
			otherEnd = otherStart + 1
		}
		if start < otherEnd && otherStart < end {
			return nil, &SlotConflictError{
				OccupyingID:    other.ID,
				OccupyingTitle: other.Title,
				Date:           date,
				Hour:           other.ScheduledHour,
			}
		}
	}

	t.ScheduledHour = hour
	t.ScheduledDate = date
	t.EstimatedDuration = duration
	t.UpdatedAt = r.now().UTC()
	r.dirty.Store(true)
	return t.clone(), nil
}

// Unschedule releases a task's slot. Hour and date clear together.
func (r *Repository) Unschedule(id string) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}

	t.ScheduledHour = ""
	t.ScheduledDate = ""
	t.UpdatedAt = r.now().UTC()
	r.dirty.Store(true)
	return t.clone(), nil
}

// ResetDailyStrikes clears the struck_today flag on every task, leaving
// strike counts untouched. Invoked by the daily reset scheduler. Returns
// the number of tasks cleared.
func (r *Repository) ResetDailyStrikes() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared := 0
	now := r.now().UTC()
	for _, t := range r.tasks {
		if t.StruckToday {
			t.StruckToday = false
			t.StruckDate = ""
			t.UpdatedAt = now
			cleared++
		}
	}
	if cleared > 0 {
		r.dirty.Store(true)
	}
	return cleared
}
