package tokenmanager

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/florianilch/cloudkey/internal/clock"
	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/ratelimit"
	"github.com/florianilch/cloudkey/internal/tokenstore"
)

// Refresh states.
const (
	StateIdle       = "idle"
	StateRefreshing = "refreshing"

	eventStart  = "start"
	eventFinish = "finish"
)

// DefaultFlightTimeout bounds one refresh exchange including persistence.
const DefaultFlightTimeout = provider.DefaultTimeout

// DefaultNominalAccessTTL is the validity assumed for access tokens whose
// lifetime is not reported.
const DefaultNominalAccessTTL = int64(7200)

const flightKey = "refresh"

// Store persists the credential record and operator preferences.
// tokenstore.Store implements it.
type Store interface {
	Load(ctx context.Context) (credential.Record, error)
	Save(ctx context.Context, r credential.Record) error
	LoadPreferences(ctx context.Context, defaults tokenstore.Preferences) (tokenstore.Preferences, error)
	SavePreferences(ctx context.Context, p tokenstore.Preferences) error
	// Lock excludes other processes sharing the same persisted state.
	Lock(ctx context.Context) (unlock func(), err error)
}

// Executor performs one refresh-token exchange. provider.Executor implements it.
type Executor interface {
	Execute(ctx context.Context, refreshToken string) (credential.Record, error)
}

// trigger identifies who started a refresh.
type trigger string

const (
	triggerCaller trigger = "caller"
	triggerManual trigger = "manual"
	triggerDaemon trigger = "daemon"
)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source. Defaults to the wall clock.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithFlightTimeout bounds each refresh exchange. Non-positive values keep the default.
func WithFlightTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flightTimeout = d
		}
	}
}

// WithNominalAccessTTL sets the validity in seconds assumed for manually
// supplied access tokens and for exchanges that report no expiry.
func WithNominalAccessTTL(sec int64) Option {
	return func(m *Manager) {
		if sec > 0 {
			m.nominalTTL = sec
		}
	}
}

// WithDefaults sets the preferences used for keys never persisted.
func WithDefaults(p tokenstore.Preferences) Option {
	return func(m *Manager) {
		m.defaults = p
	}
}

// Manager orchestrates token validity checks, refreshes and persistence.
// Safe for concurrent use.
type Manager struct {
	store         Store
	limiter       *ratelimit.Limiter
	executor      Executor
	clock         clock.Clock
	logger        *slog.Logger
	flightTimeout time.Duration
	nominalTTL    int64
	defaults      tokenstore.Preferences

	// mu guards the in-memory state below.
	mu     sync.RWMutex
	loaded bool
	record credential.Record
	prefs  tokenstore.Preferences

	// writeMu serializes every persisted mutation. A refresh holds it for the
	// whole exchange so history and record updates cannot interleave. Across
	// processes the store's lock plays the same role.
	writeMu sync.Mutex
	// dirty marks a record whose last save failed; guarded by writeMu.
	dirty bool

	group singleflight.Group
	state *fsm.FSM

	flightMu      sync.Mutex
	flightCancel  context.CancelFunc
	flightTrigger trigger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	changes chan struct{}
}

// Compile-time check to ensure Manager implements oauth2.TokenSource
var _ oauth2.TokenSource = (*Manager)(nil)

// New creates a Manager. No I/O is performed until the first call that needs
// the persisted state.
func New(store Store, limiter *ratelimit.Limiter, executor Executor, opts ...Option) *Manager {
	baseCtx, baseCancel := context.WithCancel(context.Background())

	m := &Manager{
		store:         store,
		limiter:       limiter,
		executor:      executor,
		clock:         clock.Real{},
		logger:        slog.Default(),
		flightTimeout: DefaultFlightTimeout,
		nominalTTL:    DefaultNominalAccessTTL,
		defaults: tokenstore.Preferences{
			AutoRefreshEnabled:        true,
			MinRefreshIntervalMinutes: ratelimit.MinIntervalFloorMinutes,
			RefreshSkewSeconds:        ratelimit.DefaultRefreshSkewSeconds,
		},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		changes:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.state = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle}, Dst: StateRefreshing},
			{Name: eventFinish, Src: []string{StateRefreshing}, Dst: StateIdle},
		},
		fsm.Callbacks{},
	)

	return m
}

// Load reads the persisted record, preferences and refresh history. It is
// called implicitly by every operation; later calls are no-ops once it succeeded.
// Refreshes and edits re-read the persisted state themselves.
func (m *Manager) Load(ctx context.Context) error {
	if m.isLoaded() {
		return nil
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if m.isLoaded() {
		return nil
	}
	return m.syncLocked(ctx)
}

// Sync re-reads the persisted state so changes made by other processes
// sharing the store become visible to readers and the daemon. It returns
// immediately while a refresh or edit is running, since those re-read the
// state under the store lock anyway.
func (m *Manager) Sync(ctx context.Context) error {
	if !m.writeMu.TryLock() {
		return nil
	}
	defer m.writeMu.Unlock()
	return m.syncLocked(ctx)
}

// syncLocked replaces the in-memory state with the persisted one and signals
// Changes if anything differs. A record whose last save failed stays
// authoritative and is written back instead. Callers hold writeMu.
func (m *Manager) syncLocked(ctx context.Context) error {
	var record credential.Record
	if m.dirty {
		record = m.snapshot()
		if err := m.store.Save(ctx, record); err != nil {
			return errors.Wrap(err, "persisting pending credential record")
		}
		m.dirty = false
	} else {
		var err error
		if record, err = m.store.Load(ctx); err != nil {
			return errors.Wrap(err, "loading credential record")
		}
	}

	prefs, err := m.store.LoadPreferences(ctx, m.defaults)
	if err != nil {
		return errors.Wrap(err, "loading preferences")
	}

	cfg := ratelimit.Config{
		MinIntervalMinutes: prefs.MinRefreshIntervalMinutes,
		RefreshSkewSeconds: prefs.RefreshSkewSeconds,
	}.Normalize()
	prefs.MinRefreshIntervalMinutes = cfg.MinIntervalMinutes
	prefs.RefreshSkewSeconds = cfg.RefreshSkewSeconds

	m.limiter.SetConfig(cfg)
	if err := m.limiter.Reload(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	changed := m.loaded && (!reflect.DeepEqual(m.record, record) || m.prefs != prefs)
	m.record = record
	m.prefs = prefs
	m.loaded = true
	m.mu.Unlock()

	if changed {
		m.notify()
	}
	return nil
}

// lockStore takes the cross-process lock of the store.
func (m *Manager) lockStore(ctx context.Context) (func(), error) {
	unlock, err := m.store.Lock(ctx)
	if err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "locking credential store"), storeLockHint)
	}
	return unlock, nil
}

// GetValidAccessToken returns the current access token, refreshing it first
// if it is missing or about to expire.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	return m.getValid(ctx, triggerCaller)
}

// ManualRefresh refreshes the access token even if the current one is still
// valid. It is subject to the same rate limits and single-flight rule as
// automatic refreshes.
func (m *Manager) ManualRefresh(ctx context.Context) (string, error) {
	if err := m.Load(ctx); err != nil {
		return "", err
	}
	record, err := m.refresh(ctx, triggerManual, true)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// Token implements oauth2.TokenSource. Waiting on a refresh is bounded only
// by the flight timeout; use TokenSource to tie it to a request.
func (m *Manager) Token() (*oauth2.Token, error) {
	return m.token(context.Background())
}

// TokenSource returns an oauth2.TokenSource that stops waiting on a refresh
// once ctx ends. The shared exchange itself keeps running.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return contextSource{manager: m, ctx: ctx}
}

type contextSource struct {
	manager *Manager
	ctx     context.Context
}

func (s contextSource) Token() (*oauth2.Token, error) {
	return s.manager.token(s.ctx)
}

func (m *Manager) token(ctx context.Context) (*oauth2.Token, error) {
	access, err := m.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	m.mu.RLock()
	if exp := m.record.ExpiresAt; exp != nil && m.record.AccessToken == access {
		tok.Expiry = time.Unix(*exp, 0)
	}
	m.mu.RUnlock()
	return tok, nil
}

// GetRateLimitStatus reports refresh window usage at nowSec.
func (m *Manager) GetRateLimitStatus(nowSec int64) ratelimit.Status {
	return m.limiter.Status(nowSec)
}

// Record returns a copy of the current credential record.
func (m *Manager) Record(ctx context.Context) (credential.Record, error) {
	if err := m.Load(ctx); err != nil {
		return credential.Record{}, err
	}
	return m.snapshot(), nil
}

// Preferences returns the effective operator preferences.
func (m *Manager) Preferences(ctx context.Context) (tokenstore.Preferences, error) {
	if err := m.Load(ctx); err != nil {
		return tokenstore.Preferences{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.prefs, nil
}

// State returns StateIdle or StateRefreshing.
func (m *Manager) State() string {
	return m.state.Current()
}

// Changes signals after every change of the record or preferences. Only the
// latest signal is kept.
func (m *Manager) Changes() <-chan struct{} {
	return m.changes
}

// SetRefreshToken stores an operator-supplied refresh token. The token status
// resets to unknown, which unblocks refreshes after a terminal failure.
func (m *Manager) SetRefreshToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("refresh token cannot be empty")
	}
	return m.edit(ctx, "refresh token replaced", func(r credential.Record) credential.Record {
		return r.WithRefreshToken(token)
	})
}

// SetAccessToken stores an operator-supplied access token, assumed valid for
// the nominal access TTL.
func (m *Manager) SetAccessToken(ctx context.Context, token string) error {
	if token == "" {
		return errors.New("access token cannot be empty")
	}
	return m.edit(ctx, "access token replaced", func(r credential.Record) credential.Record {
		return r.WithAccessToken(token, m.nowSec(), m.nominalTTL)
	})
}

// SetAutoRefresh turns the background daemon on or off. Turning it off
// cancels a refresh the daemon has in flight.
func (m *Manager) SetAutoRefresh(ctx context.Context, enabled bool) error {
	if !enabled {
		m.cancelFlight(triggerDaemon)
	}
	return m.updatePreferences(ctx, func(p *tokenstore.Preferences) {
		p.AutoRefreshEnabled = enabled
	})
}

// AutoRefreshEnabled reports the effective auto-refresh preference.
func (m *Manager) AutoRefreshEnabled(ctx context.Context) (bool, error) {
	p, err := m.Preferences(ctx)
	return p.AutoRefreshEnabled, err
}

// SetMinRefreshInterval changes the minimum spacing between refreshes and
// returns the value actually applied after clamping to [60,120] minutes.
func (m *Manager) SetMinRefreshInterval(ctx context.Context, minutes int) (int, error) {
	clamped := ratelimit.ClampMinInterval(minutes)
	err := m.updatePreferences(ctx, func(p *tokenstore.Preferences) {
		p.MinRefreshIntervalMinutes = clamped
	})
	return clamped, err
}

// SetRefreshSkew changes how many seconds before expiry a token is refreshed.
// Negative values are stored as zero.
func (m *Manager) SetRefreshSkew(ctx context.Context, seconds int64) error {
	return m.updatePreferences(ctx, func(p *tokenstore.Preferences) {
		p.RefreshSkewSeconds = max(seconds, 0)
	})
}

// Close cancels any refresh in flight. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.baseCancel()
}

func (m *Manager) getValid(ctx context.Context, t trigger) (string, error) {
	if err := m.Load(ctx); err != nil {
		return "", err
	}

	record := m.snapshot()
	if credential.IsValid(record, m.nowSec(), m.limiter.SkewSeconds()) {
		return record.AccessToken, nil
	}

	record, err := m.refresh(ctx, t, false)
	if err != nil {
		return "", err
	}
	return record.AccessToken, nil
}

// refresh joins the in-flight exchange or starts one. A caller whose context
// ends stops waiting without cancelling the shared exchange.
func (m *Manager) refresh(ctx context.Context, t trigger, force bool) (credential.Record, error) {
	ch := m.group.DoChan(flightKey, func() (any, error) {
		return m.runFlight(t, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return credential.Record{}, res.Err
		}
		return res.Val.(credential.Record), nil
	case <-ctx.Done():
		return credential.Record{}, ctx.Err()
	}
}

// runFlight is the single refresh code path.
func (m *Manager) runFlight(t trigger, force bool) (credential.Record, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	lockCtx, cancelLock := context.WithTimeout(m.baseCtx, m.flightTimeout)
	defer cancelLock()
	unlock, err := m.lockStore(lockCtx)
	if err != nil {
		return m.snapshot(), err
	}
	defer unlock()

	// Another process may have refreshed, rotated the refresh token or
	// recorded attempts since we last looked.
	if err := m.syncLocked(lockCtx); err != nil {
		m.logger.WarnContext(lockCtx, "deciding on cached state, persisted state unavailable",
			"trigger", string(t), "error", err)
	}

	record := m.snapshot()
	now := m.nowSec()

	// Another flight may have finished between the caller's check and ours.
	if !force && credential.IsValid(record, now, m.limiter.SkewSeconds()) {
		return record, nil
	}

	if record.Status.Terminal() {
		code := 0
		if record.LastErrorCode != nil {
			code = *record.LastErrorCode
		}
		return record, provider.TerminalError(record.Status, code, record.LastError)
	}
	if record.RefreshToken == "" {
		return record, errors.WithHint(ErrNoRefreshToken, noRefreshTokenHint)
	}
	if d := m.limiter.Allow(now); !d.Allowed {
		m.logger.Info("refresh denied by local rate limit",
			"trigger", string(t), "reason", d.Reason, "retry_after_sec", d.RetryAfterSec)
		return record, &RateLimitedError{Reason: d.Reason, RetryAfterSec: d.RetryAfterSec}
	}

	ctx, cancel := m.beginFlight(t)
	defer m.endFlight(cancel)
	logger := m.logger.With("flight_id", uuid.NewString(), "trigger", string(t))

	if err := m.state.Event(context.Background(), eventStart); err != nil {
		return record, errors.Wrap(err, "entering refresh state")
	}
	defer func() { _ = m.state.Event(context.Background(), eventFinish) }()

	logger.InfoContext(ctx, "refreshing access token")
	result, execErr := m.executor.Execute(ctx, record.RefreshToken)

	// The attempt counts even if it failed or was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	if err := m.limiter.Record(persistCtx, now); err != nil {
		logger.ErrorContext(persistCtx, "failed to persist refresh history", "error", err)
	}

	record = m.merge(record, result, execErr)
	m.dirty = false
	if err := m.store.Save(persistCtx, record); err != nil {
		// The in-memory record stays authoritative until the next successful save.
		logger.ErrorContext(persistCtx, "failed to persist credential record", "error", err)
		m.dirty = true
	}
	m.setRecord(record)

	if execErr != nil {
		logger.WarnContext(persistCtx, "refresh failed",
			"category", provider.CategoryOf(execErr), "refresh_token_status", record.Status, "error", execErr)
		return record, execErr
	}

	logger.InfoContext(persistCtx, "access token refreshed", "expires_at", expiresAttr(record))
	return record, nil
}

// merge folds an exchange outcome into the record.
func (m *Manager) merge(record, result credential.Record, execErr error) credential.Record {
	out := record.Clone()

	if execErr == nil {
		out.AccessToken = result.AccessToken
		out.RefreshToken = result.RefreshToken
		out.ExpiresAt = result.ExpiresAt
		if out.ExpiresAt == nil {
			out.ExpiresAt = credential.Int64(m.nowSec() + m.nominalTTL)
		}
		out.Status = credential.StatusValid
		out.ClearError()
		return out
	}

	var pe *provider.Error
	if !errors.As(execErr, &pe) {
		out.SetError(0, execErr.Error())
		return out
	}

	msg := pe.Message
	if pe.Category == provider.CategoryTransient || msg == "" {
		msg = execErr.Error()
	}
	out.SetError(pe.Code, msg)
	if pe.Category == provider.CategoryAuthTerminal {
		out.Status = pe.Status
		if !out.Status.Terminal() {
			out.Status = credential.StatusInvalid
		}
	}
	return out
}

// edit applies an operator change to the record and persists it.
func (m *Manager) edit(ctx context.Context, msg string, fn func(credential.Record) credential.Record) error {
	if err := m.Load(ctx); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	unlock, err := m.lockStore(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.syncLocked(ctx); err != nil {
		return err
	}

	record := fn(m.snapshot())
	if err := m.store.Save(ctx, record); err != nil {
		return err
	}
	m.setRecord(record)

	m.logger.InfoContext(ctx, msg, "refresh_token_status", record.Status)
	return nil
}

func (m *Manager) updatePreferences(ctx context.Context, fn func(*tokenstore.Preferences)) error {
	if err := m.Load(ctx); err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	unlock, err := m.lockStore(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	if err := m.syncLocked(ctx); err != nil {
		return err
	}

	m.mu.RLock()
	prefs := m.prefs
	m.mu.RUnlock()

	fn(&prefs)
	if err := m.store.SavePreferences(ctx, prefs); err != nil {
		return err
	}

	m.limiter.SetConfig(ratelimit.Config{
		MinIntervalMinutes: prefs.MinRefreshIntervalMinutes,
		RefreshSkewSeconds: prefs.RefreshSkewSeconds,
	})

	m.mu.Lock()
	m.prefs = prefs
	m.mu.Unlock()
	m.notify()

	m.logger.InfoContext(ctx, "preferences updated",
		"auto_refresh_enabled", prefs.AutoRefreshEnabled,
		"min_refresh_interval_minutes", prefs.MinRefreshIntervalMinutes,
		"refresh_skew_seconds", prefs.RefreshSkewSeconds)
	return nil
}

func (m *Manager) beginFlight(t trigger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(m.baseCtx, m.flightTimeout)
	m.flightMu.Lock()
	m.flightCancel = cancel
	m.flightTrigger = t
	m.flightMu.Unlock()
	return ctx, cancel
}

func (m *Manager) endFlight(cancel context.CancelFunc) {
	m.flightMu.Lock()
	m.flightCancel = nil
	m.flightMu.Unlock()
	cancel()
}

// cancelFlight cancels the exchange in flight if t started it.
func (m *Manager) cancelFlight(t trigger) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	if m.flightCancel != nil && m.flightTrigger == t {
		m.flightCancel()
	}
}

func (m *Manager) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *Manager) snapshot() credential.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.record.Clone()
}

func (m *Manager) setRecord(r credential.Record) {
	m.mu.Lock()
	m.record = r
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) notify() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

func (m *Manager) nowSec() int64 {
	return m.clock.Now().Unix()
}

func expiresAttr(r credential.Record) any {
	if r.ExpiresAt == nil {
		return nil
	}
	return *r.ExpiresAt
}
