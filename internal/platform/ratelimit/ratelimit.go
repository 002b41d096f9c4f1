// Package ratelimit provides fixed-window limiters keyed by an arbitrary
// string. Webhook delivery keys them by target URL.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether one more event for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config holds the window size and the number of events it admits.
type Config struct {
	Limit  int
	Window time.Duration
}

// DefaultConfig admits 10 events per key per minute.
func DefaultConfig() Config {
	return Config{Limit: 10, Window: time.Minute}
}

type window struct {
	start time.Time
	count int
}

// FixedWindow is an in-process Limiter. Counts reset when a key's window
// elapses, so a burst can straddle two windows.
type FixedWindow struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	windows   map[string]*window
	lastPrune time.Time
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(f *FixedWindow) { f.now = now }
}

// NewFixedWindow creates an in-memory limiter.
func NewFixedWindow(cfg Config, opts ...Option) *FixedWindow {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		cfg = DefaultConfig()
	}
	f := &FixedWindow{
		cfg:     cfg,
		now:     time.Now,
		windows: make(map[string]*window),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.lastPrune = f.now()
	return f
}

// Allow never returns an error.
func (f *FixedWindow) Allow(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.prune(now)

	w, ok := f.windows[key]
	if !ok || now.Sub(w.start) >= f.cfg.Window {
		w = &window{start: now}
		f.windows[key] = w
	}
	if w.count >= f.cfg.Limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// prune drops expired windows at most once per window. Caller holds f.mu.
func (f *FixedWindow) prune(now time.Time) {
	if now.Sub(f.lastPrune) < f.cfg.Window {
		return
	}
	for k, w := range f.windows {
		if now.Sub(w.start) >= f.cfg.Window {
			delete(f.windows, k)
		}
	}
	f.lastPrune = now
}

// Len reports how many keys are currently tracked.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}
