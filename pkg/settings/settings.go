// Package settings manages the persisted user settings document.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shakshuka-app/shakshuka/pkg/vault"
)

// DocumentName is the vault document holding the settings.
const DocumentName = "settings"

// Bounds on mutable settings.
const (
	MinAutosaveInterval = 5 * time.Second
	MaxAutosaveInterval = time.Hour

	MinDisplayScale = 50
	MaxDisplayScale = 300
)

// ErrValidation is returned for rejected settings values.
var ErrValidation = errors.New("settings: validation failed")

// Settings are the user-facing preferences, loaded at startup and
// persisted encrypted like every other document.
type Settings struct {
	Theme            string `json:"theme"`
	DisplayScale     int    `json:"display_scale"`
	AutosaveInterval int    `json:"autosave_interval"` // seconds
	DailyResetTime   string `json:"daily_reset_time"`  // "HH:MM"
	Autostart        bool   `json:"autostart"`
	UpdateChannel    string `json:"update_channel"`
}

// Defaults returns the out-of-the-box settings.
func Defaults() Settings {
	return Settings{
		Theme:            "orange",
		DisplayScale:     100,
		AutosaveInterval: 30,
		DailyResetTime:   "09:00",
		Autostart:        false,
		UpdateChannel:    "stable",
	}
}

// Patch is a typed partial update over the allowed settings fields.
// Unknown wire fields are rejected at decode time.
type Patch struct {
	Theme            *string `json:"theme"`
	DisplayScale     *int    `json:"display_scale"`
	AutosaveInterval *int    `json:"autosave_interval"`
	DailyResetTime   *string `json:"daily_reset_time"`
	Autostart        *bool   `json:"autostart"`
	UpdateChannel    *string `json:"update_channel"`
}

func (p *Patch) validate() error {
	if p.DisplayScale != nil && (*p.DisplayScale < MinDisplayScale || *p.DisplayScale > MaxDisplayScale) {
		return fmt.Errorf("%w: display_scale must be between %d and %d",
			ErrValidation, MinDisplayScale, MaxDisplayScale)
	}
	if p.AutosaveInterval != nil {
		d := time.Duration(*p.AutosaveInterval) * time.Second
		if d < MinAutosaveInterval || d > MaxAutosaveInterval {
			return fmt.Errorf("%w: autosave_interval must be between %s and %s",
				ErrValidation, MinAutosaveInterval, MaxAutosaveInterval)
		}
	}
	if p.DailyResetTime != nil {
		if _, err := time.Parse("15:04", *p.DailyResetTime); err != nil {
			return fmt.Errorf("%w: daily_reset_time must be an HH:MM time", ErrValidation)
		}
	}
	if p.UpdateChannel != nil {
		switch *p.UpdateChannel {
		case "stable", "beta":
		default:
			return fmt.Errorf("%w: update_channel must be stable or beta", ErrValidation)
		}
	}
	return nil
}

// Store holds the authoritative in-memory settings and writes them
// through to the vault on flush, mirroring the task repository's dirty
// discipline.
type Store struct {
	vault *vault.Vault

	mu      sync.Mutex
	current Settings
	dirty   atomic.Bool
}

// NewStore creates a Store with defaults; call Load to pick up persisted
// values.
func NewStore(v *vault.Vault) *Store {
	return &Store{
		vault:   v,
		current: Defaults(),
	}
}

// Load replaces in-memory settings with the persisted document, falling
// back to defaults when none exists yet.
func (s *Store) Load() error {
	data, err := s.vault.Load(DocumentName)
	if err != nil {
		if errors.Is(err, vault.ErrDocumentNotFound) {
			s.mu.Lock()
			s.current = Defaults()
			s.dirty.Store(false)
			s.mu.Unlock()
			return nil
		}
		return err
	}

	loaded := Defaults()
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("settings: failed to decode settings document: %w", err)
	}

	s.mu.Lock()
	s.current = loaded
	s.dirty.Store(false)
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the current settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply validates and merges a patch, returning the updated settings.
func (s *Store) Apply(p Patch) (Settings, error) {
	if err := p.validate(); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.Theme != nil {
		s.current.Theme = *p.Theme
	}
	if p.DisplayScale != nil {
		s.current.DisplayScale = *p.DisplayScale
	}
	if p.AutosaveInterval != nil {
		s.current.AutosaveInterval = *p.AutosaveInterval
	}
	if p.DailyResetTime != nil {
		s.current.DailyResetTime = *p.DailyResetTime
	}
	if p.Autostart != nil {
		s.current.Autostart = *p.Autostart
	}
	if p.UpdateChannel != nil {
		s.current.UpdateChannel = *p.UpdateChannel
	}
	s.dirty.Store(true)
	return s.current, nil
}

// Dirty reports whether changes are pending a flush.
func (s *Store) Dirty() bool {
	return s.dirty.Load()
}

// Flush writes the settings through to the vault when dirty. The dirty
// flag is claimed with the snapshot under the store lock, so a patch
// applied while the write is in flight re-dirties the flag for the next
// cycle; a failed write restores it.
func (s *Store) Flush() error {
	if !s.dirty.Load() {
		return nil
	}

	s.mu.Lock()
	current := s.current
	s.dirty.Store(false)
	s.mu.Unlock()

	data, err := json.Marshal(current)
	if err != nil {
		s.dirty.Store(true)
		return fmt.Errorf("settings: failed to encode settings document: %w", err)
	}
	if err := s.vault.Save(DocumentName, data); err != nil {
		s.dirty.Store(true)
		return err
	}
	return nil
}

// AutosaveInterval returns the configured autosave interval as a duration.
func (s *Store) AutosaveInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.current.AutosaveInterval) * time.Second
}

// DailyResetTime returns the configured daily reset wall-clock time.
func (s *Store) DailyResetTime() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.DailyResetTime
}
