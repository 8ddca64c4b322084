// Package ratelimit bounds concurrent and per-minute invocations of named
// external resources. Callers block in a FIFO wait queue until both
// constraints are satisfiable; there is no busy polling.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrQueueTimeout is returned when a caller waits longer than the
	// configured ceiling for a slot.
	ErrQueueTimeout = errors.New("rate limiter queue wait timed out")

	// ErrLimiterClosed is returned to queued callers when the limiter shuts
	// down.
	ErrLimiterClosed = errors.New("rate limiter closed")
)

// Config holds per-resource limits.
type Config struct {
	MaxConcurrent int
	MaxPerMinute  int
	// WaitCeiling bounds how long a caller may sit in the wait queue.
	WaitCeiling time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = 60
	}
	if c.WaitCeiling <= 0 {
		c.WaitCeiling = 5 * time.Minute
	}
	return c
}

type waiter struct {
	ready     chan error
	admitted  bool
	cancelled bool
}

type resource struct {
	cfg          Config
	inFlight     int
	window       []time.Time
	waiters      []*waiter
	timerPending bool
}

// Limiter tracks limits per resource name.
type Limiter struct {
	mu        sync.Mutex
	resources map[string]*resource
	defaults  Config
	overrides map[string]Config
	closed    bool
	logger    *slog.Logger

	// windowSpan is the sliding window width; shortened in tests.
	windowSpan time.Duration
}

// NewLimiter creates a limiter with default limits and optional per-resource
// overrides.
func NewLimiter(defaults Config, overrides map[string]Config, logger *slog.Logger) *Limiter {
	return &Limiter{
		resources:  make(map[string]*resource),
		defaults:   defaults.withDefaults(),
		overrides:  overrides,
		logger:     logger,
		windowSpan: time.Minute,
	}
}

// Execute runs op once both the concurrency and per-minute constraints for
// the resource allow it, releasing the concurrency slot afterwards.
func Execute[T any](ctx context.Context, l *Limiter, resourceName string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	release, err := l.acquire(ctx, resourceName)
	if err != nil {
		return zero, err
	}
	defer release()

	return op(ctx)
}

func (l *Limiter) resourceFor(name string) *resource {
	r, ok := l.resources[name]
	if !ok {
		cfg := l.defaults
		if override, exists := l.overrides[name]; exists {
			cfg = override.withDefaults()
		}
		r = &resource{cfg: cfg}
		l.resources[name] = r
	}
	return r
}

// admissible prunes the sliding window and reports whether a new call may
// start now.
func (l *Limiter) admissible(r *resource, now time.Time) bool {
	cutoff := now.Add(-l.windowSpan)
	kept := r.window[:0]
	for _, t := range r.window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.window = kept

	return r.inFlight < r.cfg.MaxConcurrent && len(r.window) < r.cfg.MaxPerMinute
}

func (l *Limiter) admit(r *resource, now time.Time) {
	r.inFlight++
	r.window = append(r.window, now)
}

// dispatch admits queued waiters in FIFO order while constraints allow.
// When the head waiter is blocked only by the rate window, a wake-up timer
// is scheduled for when the oldest window entry expires.
func (l *Limiter) dispatch(r *resource) {
	now := time.Now()

	for len(r.waiters) > 0 {
		head := r.waiters[0]
		if head.cancelled {
			r.waiters = r.waiters[1:]
			continue
		}

		if !l.admissible(r, now) {
			if r.inFlight < r.cfg.MaxConcurrent && len(r.window) > 0 && !r.timerPending {
				r.timerPending = true
				wait := r.window[0].Add(l.windowSpan).Sub(now)
				if wait < 0 {
					wait = 0
				}
				time.AfterFunc(wait, func() {
					l.mu.Lock()
					defer l.mu.Unlock()
					r.timerPending = false
					if !l.closed {
						l.dispatch(r)
					}
				})
			}
			return
		}

		l.admit(r, now)
		head.admitted = true
		head.ready <- nil
		r.waiters = r.waiters[1:]
	}
}

func (l *Limiter) acquire(ctx context.Context, name string) (func(), error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLimiterClosed
	}

	r := l.resourceFor(name)

	if len(r.waiters) == 0 && l.admissible(r, time.Now()) {
		l.admit(r, time.Now())
		l.mu.Unlock()
		return func() { l.release(r) }, nil
	}

	w := &waiter{ready: make(chan error, 1)}
	r.waiters = append(r.waiters, w)
	ceiling := r.cfg.WaitCeiling
	l.dispatch(r)
	l.mu.Unlock()

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	var waitErr error
	select {
	case err := <-w.ready:
		if err != nil {
			return nil, err
		}
		return func() { l.release(r) }, nil
	case <-ctx.Done():
		waitErr = ctx.Err()
	case <-timer.C:
		waitErr = ErrQueueTimeout
	}

	// Lost interest; if the dispatcher admitted us concurrently, give the
	// slot back.
	l.mu.Lock()
	if w.admitted {
		l.mu.Unlock()
		<-w.ready
		l.release(r)
		return nil, waitErr
	}
	w.cancelled = true
	l.mu.Unlock()

	return nil, waitErr
}

func (l *Limiter) release(r *resource) {
	l.mu.Lock()
	defer l.mu.Unlock()

	r.inFlight--
	if !l.closed {
		l.dispatch(r)
	}
}

// Close rejects all queued callers and refuses new ones.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true

	rejected := 0
	for _, r := range l.resources {
		for _, w := range r.waiters {
			if !w.cancelled && !w.admitted {
				w.ready <- ErrLimiterClosed
				rejected++
			}
		}
		r.waiters = nil
	}

	if l.logger != nil && rejected > 0 {
		l.logger.Warn("Rate limiter closed with queued callers",
			slog.Int("rejected", rejected),
		)
	}
}
