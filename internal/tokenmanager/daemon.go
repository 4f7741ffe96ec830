package tokenmanager

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMinWait is the shortest pause between two daemon wakes.
const DefaultMinWait = time.Second

// DefaultResyncInterval is how often the daemon re-reads persisted state
// written by other processes sharing the store.
const DefaultResyncInterval = time.Minute

// DaemonOption configures a Daemon.
type DaemonOption func(*Daemon)

// WithMinWait sets the shortest pause between two wakes.
func WithMinWait(d time.Duration) DaemonOption {
	return func(dm *Daemon) {
		if d > 0 {
			dm.minWait = d
		}
	}
}

// WithResyncInterval sets how often persisted state is re-read.
func WithResyncInterval(d time.Duration) DaemonOption {
	return func(dm *Daemon) {
		if d > 0 {
			dm.resync = d
		}
	}
}

// Daemon refreshes the access token in the background shortly before it
// expires, never earlier than the rate limiter allows.
type Daemon struct {
	manager *Manager
	logger  *slog.Logger
	minWait time.Duration
	resync  time.Duration
}

// NewDaemon creates a Daemon driving m.
func NewDaemon(m *Manager, opts ...DaemonOption) *Daemon {
	d := &Daemon{
		manager: m,
		logger:  m.logger.With("component", "auto_refresh"),
		minWait: DefaultMinWait,
		resync:  DefaultResyncInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run blocks until ctx is done. It reschedules after every wake regardless of
// the outcome, and whenever the record or preferences change, including
// changes other processes persist.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.manager.Load(ctx); err != nil {
		return err
	}

	resync := time.NewTicker(d.resync)
	defer resync.Stop()

	for {
		var (
			timer *time.Timer
			fire  <-chan time.Time
		)

		if at, ok := d.NextWake(); ok {
			wait := max(at.Sub(d.manager.clock.Now()), d.minWait)
			timer = time.NewTimer(wait)
			fire = timer.C
			d.logger.DebugContext(ctx, "next refresh scheduled", "at", at.Unix(), "wait", wait)
		} else {
			d.logger.DebugContext(ctx, "auto refresh idle until state changes")
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case <-d.manager.Changes():
			stopTimer(timer)
		case <-resync.C:
			stopTimer(timer)
			// A change found here arrives through Changes.
			if err := d.manager.Sync(ctx); err != nil && ctx.Err() == nil {
				d.logger.WarnContext(ctx, "reading persisted state failed", "error", err)
			}
		case <-fire:
			d.wake(ctx)
		}
	}
}

// NextWake returns when the daemon will next try to refresh. ok is false
// while auto-refresh is disabled, the refresh token is terminally rejected,
// or no refresh is due at all.
func (d *Daemon) NextWake() (time.Time, bool) {
	m := d.manager
	m.mu.RLock()
	record := m.record.Clone()
	enabled := m.prefs.AutoRefreshEnabled
	m.mu.RUnlock()

	if !enabled {
		return time.Time{}, false
	}
	at, ok := m.nextRefreshAt(record, m.nowSec())
	if !ok {
		return time.Time{}, false
	}
	return time.Unix(at, 0), true
}

func (d *Daemon) wake(ctx context.Context) {
	if _, err := d.manager.getValid(ctx, triggerDaemon); err != nil && ctx.Err() == nil {
		d.logger.WarnContext(ctx, "auto refresh failed",
			"category", Category(err), "retry_after_sec", RetryAfter(err), "error", err)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
