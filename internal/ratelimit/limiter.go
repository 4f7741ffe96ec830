// Package ratelimit enforces the provider's refresh limits: at most
// MaxPerWindow attempts in any rolling WindowSeconds interval, and a minimum
// spacing between consecutive attempts. Attempts are persisted so the
// accounting survives restarts.
package ratelimit

import (
	"context"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
)

// Denial reasons reported by Allow.
const (
	ReasonWindowExceeded = "window_exceeded"
	ReasonMinInterval    = "min_interval"
)

// History is the persisted attempt accounting.
type History struct {
	// Attempts holds unix seconds in non-decreasing order.
	Attempts []int64
	// LastRefreshAt is the most recent attempt, kept even after it leaves the window. Zero if none.
	LastRefreshAt int64
}

// HistoryStore persists the attempt history.
type HistoryStore interface {
	LoadHistory(ctx context.Context) (History, error)
	SaveHistory(ctx context.Context, h History) error
}

// Decision is the outcome of Allow.
type Decision struct {
	Allowed       bool   `json:"allowed"`
	Reason        string `json:"reason,omitempty"`
	RetryAfterSec int64  `json:"retry_after_sec,omitempty"`
}

// Status summarizes the limiter for operators.
type Status struct {
	UsedInWindow     int   `json:"used_in_window"`
	MaxPerWindow     int   `json:"max_per_window"`
	NextAllowedAtSec int64 `json:"next_allowed_at_sec"`
}

// Limiter tracks refresh attempts. Safe for concurrent use; callers that need
// Allow and Record to be atomic with respect to each other must serialize them.
type Limiter struct {
	mu       sync.Mutex
	cfg      Config
	store    HistoryStore
	loaded   bool
	attempts []int64
	last     int64
	// unsaved holds attempts whose persistence failed, so Reload keeps them.
	unsaved []int64
}

// New creates a Limiter. No I/O is performed until Load.
func New(cfg Config, store HistoryStore) *Limiter {
	return &Limiter{
		cfg:   cfg.Normalize(),
		store: store,
	}
}

// Load reads the persisted history once. Later calls are no-ops.
func (l *Limiter) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return nil
	}
	return l.reloadLocked(ctx)
}

// Reload replaces the in-memory history with the persisted one so attempts
// recorded by other processes sharing the store count here too. Attempts
// whose persistence failed locally are kept. Callers serialize Reload, Allow
// and Record across processes, typically under the store's lock.
func (l *Limiter) Reload(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reloadLocked(ctx)
}

func (l *Limiter) reloadLocked(ctx context.Context) error {
	h, err := l.store.LoadHistory(ctx)
	if err != nil {
		return errors.Wrap(err, "loading refresh history")
	}

	attempts := monotonic(h.Attempts)
	if len(l.unsaved) > 0 {
		attempts = append(attempts, l.unsaved...)
		slices.Sort(attempts)
	}

	l.attempts = attempts
	l.last = max(l.last, h.LastRefreshAt)
	if n := len(l.attempts); n > 0 && l.attempts[n-1] > l.last {
		l.last = l.attempts[n-1]
	}
	l.loaded = true
	return nil
}

// Allow decides whether a refresh attempt may be issued at nowSec.
func (l *Limiter) Allow(nowSec int64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowLocked(nowSec)
}

func (l *Limiter) allowLocked(nowSec int64) Decision {
	counted := l.countedLocked(nowSec)
	if len(counted) >= MaxPerWindow {
		// the oldest counted entry stops counting one second after it is a full window old
		retry := counted[len(counted)-MaxPerWindow] + WindowSeconds + 1 - nowSec
		return Decision{Reason: ReasonWindowExceeded, RetryAfterSec: max(retry, 1)}
	}

	if l.last > 0 {
		if wait := l.last + l.cfg.MinIntervalSeconds() - nowSec; wait > 0 {
			return Decision{Reason: ReasonMinInterval, RetryAfterSec: wait}
		}
	}

	return Decision{Allowed: true}
}

// Record appends an attempt at nowSec and persists the pruned history.
// The attempt is kept in memory even if persisting fails.
func (l *Limiter) Record(ctx context.Context, nowSec int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// a clock stepping backwards must not break ordering
	if n := len(l.attempts); n > 0 && nowSec < l.attempts[n-1] {
		nowSec = l.attempts[n-1]
	}
	l.attempts = append(l.countedLocked(nowSec), nowSec)
	l.last = max(l.last, nowSec)

	h := History{Attempts: append([]int64(nil), l.attempts...), LastRefreshAt: l.last}
	if err := l.store.SaveHistory(ctx, h); err != nil {
		l.unsaved = append(l.unsaved, nowSec)
		return errors.Wrap(err, "persisting refresh history")
	}
	l.unsaved = nil
	return nil
}

// Status reports window usage and the next time an attempt would be allowed.
func (l *Limiter) Status(nowSec int64) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		UsedInWindow:     len(l.countedLocked(nowSec)),
		MaxPerWindow:     MaxPerWindow,
		NextAllowedAtSec: l.nextAllowedLocked(nowSec),
	}
}

// NextAllowedAt returns the earliest unix second at or after nowSec at which
// Allow would succeed, considering both constraints.
func (l *Limiter) NextAllowedAt(nowSec int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextAllowedLocked(nowSec)
}

func (l *Limiter) nextAllowedLocked(nowSec int64) int64 {
	next := nowSec
	if counted := l.countedLocked(nowSec); len(counted) >= MaxPerWindow {
		next = max(next, counted[len(counted)-MaxPerWindow]+WindowSeconds+1)
	}
	if l.last > 0 {
		next = max(next, l.last+l.cfg.MinIntervalSeconds())
	}
	return next
}

// LastAttempt returns the most recent attempt, if any.
func (l *Limiter) LastAttempt() (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.last > 0
}

// MinIntervalSeconds returns the configured spacing.
func (l *Limiter) MinIntervalSeconds() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.MinIntervalSeconds()
}

// SkewSeconds returns the configured refresh skew.
func (l *Limiter) SkewSeconds() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.RefreshSkewSeconds
}

// Config returns the normalized configuration.
func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}

// SetConfig replaces the configuration, clamping it.
func (l *Limiter) SetConfig(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.Normalize()
	l.mu.Unlock()
}

// countedLocked returns the attempts still inside the window ending at nowSec.
func (l *Limiter) countedLocked(nowSec int64) []int64 {
	cutoff := nowSec - WindowSeconds
	i := 0
	for i < len(l.attempts) && l.attempts[i] < cutoff {
		i++
	}
	return l.attempts[i:]
}

func monotonic(in []int64) []int64 {
	out := make([]int64, 0, len(in))
	for _, ts := range in {
		if n := len(out); n > 0 && ts < out[n-1] {
			ts = out[n-1]
		}
		out = append(out, ts)
	}
	return out
}
