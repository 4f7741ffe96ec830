package tokenstore

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/ratelimit"
	"github.com/florianilch/cloudkey/internal/settings"
)

// Preferences are operator choices persisted next to the credential.
type Preferences struct {
	AutoRefreshEnabled        bool
	MinRefreshIntervalMinutes int
	RefreshSkewSeconds        int64
}

// Store reads and writes cloudkey state through a settings.Store.
type Store struct {
	settings settings.Store
}

// Compile-time check to ensure Store implements ratelimit.HistoryStore
var _ ratelimit.HistoryStore = (*Store)(nil)

// New creates a Store backed by s.
func New(s settings.Store) *Store {
	return &Store{settings: s}
}

// Load returns the persisted credential record. Missing keys yield zero
// values, so an empty store loads as an empty record with status unknown.
func (s *Store) Load(ctx context.Context) (credential.Record, error) {
	var (
		r   credential.Record
		err error
	)

	if r.AccessToken, _, err = s.settings.Get(ctx, KeyAccessToken); err != nil {
		return credential.Record{}, err
	}
	if r.RefreshToken, _, err = s.settings.Get(ctx, KeyRefreshToken); err != nil {
		return credential.Record{}, err
	}
	if r.ExpiresAt, err = s.optionalInt64(ctx, KeyExpiresAt); err != nil {
		return credential.Record{}, err
	}

	status, _, err := s.settings.Get(ctx, KeyRefreshTokenStatus)
	if err != nil {
		return credential.Record{}, err
	}
	if r.Status, err = credential.ParseStatus(status); err != nil {
		return credential.Record{}, corrupt(KeyRefreshTokenStatus, err)
	}

	if r.LastError, _, err = s.settings.Get(ctx, KeyLastError); err != nil {
		return credential.Record{}, err
	}
	code, err := s.optionalInt64(ctx, KeyLastErrorCode)
	if err != nil {
		return credential.Record{}, err
	}
	if code != nil {
		c := int(*code)
		r.LastErrorCode = &c
	}

	return r, nil
}

// Save persists r in a single batch.
func (s *Store) Save(ctx context.Context, r credential.Record) error {
	status := r.Status
	if status == "" {
		status = credential.StatusUnknown
	}

	values := map[string]string{
		KeyAccessToken:        r.AccessToken,
		KeyRefreshToken:       r.RefreshToken,
		KeyExpiresAt:          "",
		KeyRefreshTokenStatus: string(status),
		KeyLastError:          r.LastError,
		KeyLastErrorCode:      "",
	}
	if r.ExpiresAt != nil {
		values[KeyExpiresAt] = strconv.FormatInt(*r.ExpiresAt, 10)
	}
	if r.LastErrorCode != nil {
		values[KeyLastErrorCode] = strconv.Itoa(*r.LastErrorCode)
	}

	if err := s.settings.Set(ctx, values); err != nil {
		return errors.Wrap(err, "saving credential record")
	}
	return nil
}

// LoadHistory implements ratelimit.HistoryStore.
func (s *Store) LoadHistory(ctx context.Context) (ratelimit.History, error) {
	var h ratelimit.History

	raw, ok, err := s.settings.Get(ctx, KeyRefreshHistory)
	if err != nil {
		return h, err
	}
	if ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Attempts); err != nil {
			return ratelimit.History{}, corrupt(KeyRefreshHistory, err)
		}
	}

	last, err := s.optionalInt64(ctx, KeyLastRefreshAtSec)
	if err != nil {
		return ratelimit.History{}, err
	}
	if last != nil {
		h.LastRefreshAt = *last
	}
	return h, nil
}

// SaveHistory implements ratelimit.HistoryStore.
func (s *Store) SaveHistory(ctx context.Context, h ratelimit.History) error {
	attempts := h.Attempts
	if attempts == nil {
		attempts = []int64{}
	}
	data, err := json.Marshal(attempts)
	if err != nil {
		return errors.Wrap(err, "encoding refresh history")
	}

	values := map[string]string{
		KeyRefreshHistory:   string(data),
		KeyLastRefreshAtSec: "",
	}
	if h.LastRefreshAt > 0 {
		values[KeyLastRefreshAtSec] = strconv.FormatInt(h.LastRefreshAt, 10)
	}

	if err := s.settings.Set(ctx, values); err != nil {
		return errors.Wrap(err, "saving refresh history")
	}
	return nil
}

// LoadPreferences returns the persisted preferences. Keys never written keep
// the value from defaults.
func (s *Store) LoadPreferences(ctx context.Context, defaults Preferences) (Preferences, error) {
	p := defaults

	raw, ok, err := s.settings.Get(ctx, KeyAutoRefreshEnabled)
	if err != nil {
		return Preferences{}, err
	}
	if ok && raw != "" {
		if p.AutoRefreshEnabled, err = strconv.ParseBool(raw); err != nil {
			return Preferences{}, corrupt(KeyAutoRefreshEnabled, err)
		}
	}

	minutes, err := s.optionalInt64(ctx, KeyMinRefreshIntervalMinutes)
	if err != nil {
		return Preferences{}, err
	}
	if minutes != nil {
		p.MinRefreshIntervalMinutes = int(*minutes)
	}

	skew, err := s.optionalInt64(ctx, KeyRefreshSkewSeconds)
	if err != nil {
		return Preferences{}, err
	}
	if skew != nil {
		p.RefreshSkewSeconds = *skew
	}

	return p, nil
}

// SavePreferences persists p in a single batch.
func (s *Store) SavePreferences(ctx context.Context, p Preferences) error {
	err := s.settings.Set(ctx, map[string]string{
		KeyAutoRefreshEnabled:        strconv.FormatBool(p.AutoRefreshEnabled),
		KeyMinRefreshIntervalMinutes: strconv.Itoa(p.MinRefreshIntervalMinutes),
		KeyRefreshSkewSeconds:        strconv.FormatInt(p.RefreshSkewSeconds, 10),
	})
	if err != nil {
		return errors.Wrap(err, "saving preferences")
	}
	return nil
}

// Lock takes the cross-process lock of the underlying settings store. Stores
// without one return a no-op unlock.
func (s *Store) Lock(ctx context.Context) (func(), error) {
	return settings.Lock(ctx, s.settings)
}

// optionalInt64 reads an integer key. Missing and empty values are nil.
func (s *Store) optionalInt64(ctx context.Context, key string) (*int64, error) {
	raw, ok, err := s.settings.Get(ctx, key)
	if err != nil || !ok || raw == "" {
		return nil, err
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, corrupt(key, err)
	}
	return &v, nil
}

func corrupt(key string, err error) error {
	return errors.WithHintf(
		errors.Wrapf(err, "invalid persisted value for %s", key),
		"fix or remove the %q entry in the configured storage", key,
	)
}
