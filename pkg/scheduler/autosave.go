// Package scheduler contains the background workers: periodic autosave
// of dirty in-memory state and the daily strike reset.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Flusher is a store the autosave worker can persist.
type Flusher interface {
	Dirty() bool
	Flush() error
}

// AutoSave periodically writes dirty stores through to disk. A cycle
// that finds nothing dirty does no I/O.
type AutoSave struct {
	flushers   []Flusher
	interval   time.Duration
	intervalCh chan time.Duration
	flushing   atomic.Bool
}

// NewAutoSave creates an AutoSave worker with the given initial
// interval.
func NewAutoSave(interval time.Duration, flushers ...Flusher) *AutoSave {
	return &AutoSave{
		flushers:   flushers,
		interval:   interval,
		intervalCh: make(chan time.Duration, 1),
	}
}

// Start runs the autosave loop. It blocks until the context is
// canceled, then makes one final flush attempt so a clean shutdown
// never strands pending state.
func (s *AutoSave) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	slog.Info("autosave started", "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.FlushNow()
			slog.Info("autosave stopped")
			return
		case <-ticker.C:
			s.FlushNow()
		case d := <-s.intervalCh:
			s.interval = d
			ticker.Reset(d)
			slog.Info("autosave interval changed", "interval", d)
		}
	}
}

// SetInterval applies a new autosave interval. Safe to call from any
// goroutine; only the most recent pending change is kept.
func (s *AutoSave) SetInterval(d time.Duration) {
	for {
		select {
		case s.intervalCh <- d:
			return
		default:
			select {
			case <-s.intervalCh:
			default:
			}
		}
	}
}

// FlushNow writes every dirty store to disk. If a flush is already in
// flight the cycle is skipped instead of queued; the next tick picks up
// whatever is still dirty.
func (s *AutoSave) FlushNow() {
	if !s.flushing.CompareAndSwap(false, true) {
		slog.Debug("autosave cycle skipped, flush in progress")
		return
	}
	defer s.flushing.Store(false)

	var saved, failed int
	for _, f := range s.flushers {
		if !f.Dirty() {
			continue
		}
		if err := f.Flush(); err != nil {
			slog.Error("autosave flush failed", "error", err)
			failed++
			continue
		}
		saved++
	}

	if saved > 0 || failed > 0 {
		slog.Info("autosave cycle complete", "saved", saved, "failed", failed)
	}
}
