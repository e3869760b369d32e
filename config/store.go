package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/reh3376/ignition-tools-sub002/control"
)

// A Store owns the active record. Replacements are validated completely
// before the swap, so readers only ever see records that passed every
// check, and the version must climb so a stale file cannot silently roll
// the controller back.
type Store struct {
	log  *log.Logger
	path string

	mu          sync.RWMutex
	record      Record
	loaded      bool
	lastApplied time.Time

	subMu sync.Mutex
	subs  []func(Record)
}

// NewStore returns a store bound to the given file path. Nothing is read
// until Load.
func NewStore(path string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{log: logger, path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load reads and applies the backing file. The first load accepts any
// valid record; later loads go through the same version check as Apply.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return &control.ResourceError{
			Resource: "config file",
			Cause:    err,
		}
	}

	record, err := Parse(data)
	if err != nil {
		return err
	}
	return s.Apply(record)
}

// Apply validates and swaps in a replacement record. The version must be
// strictly greater than the active one; a rejected record leaves the
// active one untouched.
func (s *Store) Apply(record Record) error {
	if err := record.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.loaded && record.Version <= s.record.Version {
		active := s.record.Version
		s.mu.Unlock()
		return &control.ConfigurationError{
			Field: "version",
			Reason: fmt.Sprintf(
				"must exceed active version %d, got %d",
				active, record.Version),
		}
	}
	s.record = record
	s.loaded = true
	s.lastApplied = time.Now()
	s.mu.Unlock()

	s.log.Printf("config: record v%d applied", record.Version)
	s.notify(record)
	return nil
}

// Snapshot returns the active record.
func (s *Store) Snapshot() (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record, s.loaded
}

// Version returns the active record's version, 0 before the first load.
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return 0
	}
	return s.record.Version
}

// Subscribe registers a callback invoked with every applied record. The
// callback runs on the applier's goroutine in registration order.
func (s *Store) Subscribe(fn func(Record)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) notify(record Record) {
	s.subMu.Lock()
	subs := make([]func(Record), len(s.subs))
	copy(subs, s.subs)
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(record)
	}
}

// Watch polls the backing file's modification time and reloads on change
// until the context ends. Reload failures are logged and the active record
// stays; the file keeps being watched so a corrected file is picked up.
func (s *Store) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return &control.ConfigurationError{
			Field:  "watch interval",
			Reason: "must be positive",
		}
	}

	lastMod := s.modTime()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mod := s.modTime()
			if mod.IsZero() || !mod.After(lastMod) {
				continue
			}
			lastMod = mod

			if err := s.Load(); err != nil {
				s.log.Printf(
					"config: reload of %s rejected: %v",
					s.path, err)
			}
		}
	}
}

func (s *Store) modTime() time.Time {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}
