package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Resetter is the repository slice the daily reset needs.
type Resetter interface {
	ResetDailyStrikes() int
	Flush() error
}

// DailyReset clears per-day strike marks at a configured local time.
type DailyReset struct {
	repo      Resetter
	resetTime func() string // "HH:MM", read fresh before every wait
	changeCh  chan struct{}
	now       func() time.Time
}

// NewDailyReset creates the worker. resetTime is consulted each time
// the next wait is computed, so settings changes take effect without a
// restart once NotifyTimeChanged is called.
func NewDailyReset(repo Resetter, resetTime func() string) *DailyReset {
	return &DailyReset{
		repo:      repo,
		resetTime: resetTime,
		changeCh:  make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Start runs the reset loop until the context is canceled. A machine
// that sleeps through the reset time fires immediately on wake, since
// the timer delivers as soon as the deadline is past.
func (s *DailyReset) Start(ctx context.Context) {
	for {
		next := NextOccurrence(s.now(), s.resetTime())
		timer := time.NewTimer(next.Sub(s.now()))
		slog.Info("daily reset scheduled", "at", next.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("daily reset stopped")
			return
		case <-timer.C:
			s.fire()
		case <-s.changeCh:
			timer.Stop()
			// Loop recomputes the wait from the new reset time.
		}
	}
}

// NotifyTimeChanged tells the worker the configured reset time moved.
// Safe to call from any goroutine; duplicate notifications coalesce.
func (s *DailyReset) NotifyTimeChanged() {
	select {
	case s.changeCh <- struct{}{}:
	default:
	}
}

func (s *DailyReset) fire() {
	cleared := s.repo.ResetDailyStrikes()
	if err := s.repo.Flush(); err != nil {
		slog.Error("daily reset flush failed", "error", err)
	}
	slog.Info("daily strike reset complete", "cleared", cleared)
}

// NextOccurrence returns the next time the "HH:MM" wall-clock time
// occurs strictly after now, in now's location: later today if it has
// not passed yet, otherwise tomorrow. A malformed time falls back to
// 09:00.
func NextOccurrence(now time.Time, hhmm string) time.Time {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		t, _ = time.Parse("15:04", "09:00")
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
