package tokenmanager

import (
	"context"

	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/ratelimit"
)

// Summary describes the credential state without exposing any token.
type Summary struct {
	State                     string            `json:"state"`
	RefreshTokenStatus        credential.Status `json:"refresh_token_status"`
	HasAccessToken            bool              `json:"has_access_token"`
	HasRefreshToken           bool              `json:"has_refresh_token"`
	AccessTokenValid          bool              `json:"access_token_valid"`
	ExpiresAtSec              *int64            `json:"expires_at_sec,omitempty"`
	LastError                 string            `json:"last_error,omitempty"`
	LastErrorCode             *int              `json:"last_error_code,omitempty"`
	AutoRefreshEnabled        bool              `json:"auto_refresh_enabled"`
	MinRefreshIntervalMinutes int               `json:"min_refresh_interval_minutes"`
	RefreshSkewSeconds        int64             `json:"refresh_skew_seconds"`
	NextRefreshDueSec         *int64            `json:"next_refresh_due_sec,omitempty"`
	RateLimit                 ratelimit.Status  `json:"rate_limit"`
}

// Summary reports the current state for operators.
func (m *Manager) Summary(ctx context.Context) (Summary, error) {
	if err := m.Load(ctx); err != nil {
		return Summary{}, err
	}

	now := m.nowSec()
	m.mu.RLock()
	record := m.record.Clone()
	prefs := m.prefs
	m.mu.RUnlock()

	s := Summary{
		State:                     m.State(),
		RefreshTokenStatus:        record.Status,
		HasAccessToken:            record.AccessToken != "",
		HasRefreshToken:           record.RefreshToken != "",
		AccessTokenValid:          credential.IsValid(record, now, prefs.RefreshSkewSeconds),
		ExpiresAtSec:              record.ExpiresAt,
		LastError:                 record.LastError,
		LastErrorCode:             record.LastErrorCode,
		AutoRefreshEnabled:        prefs.AutoRefreshEnabled,
		MinRefreshIntervalMinutes: prefs.MinRefreshIntervalMinutes,
		RefreshSkewSeconds:        prefs.RefreshSkewSeconds,
		RateLimit:                 m.limiter.Status(now),
	}
	if due, ok := m.nextRefreshAt(record, now); ok {
		s.NextRefreshDueSec = &due
	}
	return s, nil
}

// nextRefreshAt is the earliest second a refresh is both due and allowed.
// ok is false if no refresh will be attempted without operator action.
func (m *Manager) nextRefreshAt(record credential.Record, now int64) (int64, bool) {
	if record.Status.Terminal() {
		return 0, false
	}
	due, ok := credential.NextRefreshDue(record, m.limiter, now)
	if !ok {
		return 0, false
	}
	return max(due, m.limiter.NextAllowedAt(now)), true
}
