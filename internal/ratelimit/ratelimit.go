// Package ratelimit bounds how often a delivery may be attempted per user.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config defines sliding-window rate limiting parameters.
type Config struct {
	Limit  int           // Maximum deliveries allowed per key
	Window time.Duration // Time window for the limit
}

// Limiter decides whether one more delivery for the given key is allowed
// right now. Allowing a delivery consumes a slot in the window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Window is an in-process sliding-window limiter. Each key owns a bounded
// slice of recent delivery timestamps guarded by its own mutex, so
// concurrent deliveries for different users never contend.
type Window struct {
	config Config

	mu      sync.Mutex
	entries map[string]*windowEntry

	now func() time.Time
}

type windowEntry struct {
	mu    sync.Mutex
	times []time.Time
}

// NewWindow creates an in-memory sliding-window limiter.
func NewWindow(cfg Config) *Window {
	return &Window{
		config:  cfg,
		entries: make(map[string]*windowEntry),
		now:     time.Now,
	}
}

// Allow reports whether a delivery for key fits in the window and, if so,
// records it. Never returns an error; the signature matches Limiter.
func (w *Window) Allow(_ context.Context, key string) (bool, error) {
	now := w.now()

	w.mu.Lock()
	entry, ok := w.entries[key]
	if !ok {
		entry = &windowEntry{times: make([]time.Time, 0, w.config.Limit)}
		w.entries[key] = entry
	}
	w.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-w.config.Window)
	kept := entry.times[:0]
	for _, t := range entry.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	entry.times = kept

	if len(entry.times) >= w.config.Limit {
		return false, nil
	}
	entry.times = append(entry.times, now)
	return true, nil
}

// InWindow returns how many deliveries for key currently count against the
// limit. Used by metrics and tests.
func (w *Window) InWindow(key string) int {
	now := w.now()

	w.mu.Lock()
	entry, ok := w.entries[key]
	w.mu.Unlock()
	if !ok {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	cutoff := now.Add(-w.config.Window)
	n := 0
	for _, t := range entry.times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
