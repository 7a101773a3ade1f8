// Package task implements the task model and its repository: typed CRUD,
// strike lifecycle, slot scheduling and daily-reset bookkeeping over the
// encrypted document store.
package task

import (
	"errors"
	"fmt"
	"time"
)

// Limits on task fields and strikes.
const (
	// MaxDailyStrikes is the number of "today" strikes a task accepts per
	// calendar day. Further attempts return ErrLimitExceeded.
	MaxDailyStrikes = 2

	// MaxDurationMinutes bounds estimated and scheduled durations.
	MaxDurationMinutes = 24 * 60

	// MaxTitleLength bounds task titles.
	MaxTitleLength = 500

	dateLayout = "2006-01-02"
	hourLayout = "15:04"
)

// Errors returned by repository operations.
var (
	ErrTaskNotFound = errors.New("task: task not found")

	// ErrLimitExceeded indicates the per-day strike limit was hit; the
	// task is left unchanged.
	ErrLimitExceeded = errors.New("task: daily strike limit exceeded")

	// ErrTaskCompleted indicates a lifecycle operation was attempted on a
	// completed task. Completed is terminal.
	ErrTaskCompleted = errors.New("task: task is completed")

	// ErrValidation is matched by every *ValidationError via errors.Is.
	ErrValidation = errors.New("task: validation failed")

	// ErrSlotConflict is matched by every *SlotConflictError.
	ErrSlotConflict = errors.New("task: schedule slot conflict")
)

// ValidationError reports a rejected field with enough detail for the
// caller to explain the failure to a user.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("task: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// SlotConflictError names the task already occupying a requested slot.
type SlotConflictError struct {
	OccupyingID    string
	OccupyingTitle string
	Date           string
	Hour           string
}

func (e *SlotConflictError) Error() string {
	return fmt.Sprintf("task: slot %s %s is occupied by %q (%s)",
		e.Date, e.Hour, e.OccupyingTitle, e.OccupyingID)
}

func (e *SlotConflictError) Unwrap() error { return ErrSlotConflict }

// StrikeMode selects the strike lifecycle transition.
type StrikeMode string

const (
	// StrikeToday records progress for the current day, reversible via
	// UndoStrike until the next daily reset.
	StrikeToday StrikeMode = "today"

	// StrikeForever moves the task to its terminal Completed state.
	StrikeForever StrikeMode = "forever"
)

// ParseStrikeMode validates a wire-level strike mode string.
func ParseStrikeMode(s string) (StrikeMode, error) {
	switch StrikeMode(s) {
	case StrikeToday, StrikeForever:
		return StrikeMode(s), nil
	default:
		return "", &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown strike mode %q", s)}
	}
}

// Task is one task entity. Dates are calendar days ("2006-01-02") and
// scheduled hours wall-clock "15:04" strings, matching the wire format.
//
// Invariants: ScheduledHour and ScheduledDate are set and cleared
// together; Completed is terminal for strikes; StrikeCount never
// decreases; DayStrikes counts accepted today-strikes for DayStrikesDate
// and is bounded by MaxDailyStrikes.
type Task struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Project           string     `json:"project,omitempty"`
	DueDate           string     `json:"due_date,omitempty"`
	EstimatedDuration int        `json:"estimated_duration"`
	ScheduledHour     string     `json:"scheduled_hour,omitempty"`
	ScheduledDate     string     `json:"scheduled_date,omitempty"`
	Completed         bool       `json:"completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	StruckToday       bool       `json:"struck_today"`
	StruckDate        string     `json:"struck_date,omitempty"`
	StrikeCount       int        `json:"strike_count"`
	DayStrikes        int        `json:"day_strikes"`
	DayStrikesDate    string     `json:"day_strikes_date,omitempty"`
	StrikeReport      string     `json:"strike_report,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// clone returns a copy safe to hand outside the repository lock.
func (t *Task) clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// CreateInput carries the caller-settable fields of a new task.
type CreateInput struct {
	Title             string `json:"title"`
	Description       string `json:"description"`
	Project           string `json:"project"`
	DueDate           string `json:"due_date"`
	EstimatedDuration int    `json:"estimated_duration"`
}

func (in *CreateInput) validate() error {
	if in.Title == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if len(in.Title) > MaxTitleLength {
		return &ValidationError{Field: "title", Reason: fmt.Sprintf("exceeds %d characters", MaxTitleLength)}
	}
	if in.EstimatedDuration < 0 || in.EstimatedDuration > MaxDurationMinutes {
		return &ValidationError{Field: "estimated_duration",
			Reason: fmt.Sprintf("must be between 0 and %d minutes", MaxDurationMinutes)}
	}
	if in.DueDate != "" {
		if _, err := time.Parse(dateLayout, in.DueDate); err != nil {
			return &ValidationError{Field: "due_date", Reason: "must be a YYYY-MM-DD date"}
		}
	}
	return nil
}

// Patch is a typed partial update. Nil fields are left untouched; unknown
// wire fields are rejected at decode time, not silently merged. Lifecycle
// and scheduling state is excluded: those change only through their
// dedicated operations.
type Patch struct {
	Title             *string `json:"title"`
	Description       *string `json:"description"`
	Project           *string `json:"project"`
	DueDate           *string `json:"due_date"`
	EstimatedDuration *int    `json:"estimated_duration"`
}

func (p *Patch) validate() error {
	if p.Title != nil {
		if *p.Title == "" {
			return &ValidationError{Field: "title", Reason: "must not be empty"}
		}
		if len(*p.Title) > MaxTitleLength {
			return &ValidationError{Field: "title", Reason: fmt.Sprintf("exceeds %d characters", MaxTitleLength)}
		}
	}
	if p.EstimatedDuration != nil && (*p.EstimatedDuration < 0 || *p.EstimatedDuration > MaxDurationMinutes) {
		return &ValidationError{Field: "estimated_duration",
			Reason: fmt.Sprintf("must be between 0 and %d minutes", MaxDurationMinutes)}
	}
	if p.DueDate != nil && *p.DueDate != "" {
		if _, err := time.Parse(dateLayout, *p.DueDate); err != nil {
			return &ValidationError{Field: "due_date", Reason: "must be a YYYY-MM-DD date"}
		}
	}
	return nil
}

// parseHour returns minutes since midnight for an "HH:MM" string.
func parseHour(hour string) (int, error) {
	t, err := time.Parse(hourLayout, hour)
	if err != nil {
		return 0, &ValidationError{Field: "hour", Reason: "must be an HH:MM time"}
	}
	return t.Hour()*60 + t.Minute(), nil
}
