package credential

import "fmt"

// Status is the last known health of the refresh token.
type Status string

const (
	StatusUnknown Status = "unknown"
	StatusValid   Status = "valid"
	StatusInvalid Status = "invalid"
	StatusExpired Status = "expired"
)

// ParseStatus converts a persisted status string. Empty input maps to StatusUnknown.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case "", StatusUnknown:
		return StatusUnknown, nil
	case StatusValid, StatusInvalid, StatusExpired:
		return Status(s), nil
	default:
		return StatusUnknown, fmt.Errorf("unknown refresh token status %q", s)
	}
}

// Terminal reports whether the refresh token can no longer be exchanged
// without operator re-authorization.
func (s Status) Terminal() bool {
	return s == StatusInvalid || s == StatusExpired
}

// Record is the current credential state.
type Record struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the unix second at which AccessToken stops being valid; nil if unknown.
	ExpiresAt *int64
	Status    Status

	LastError     string
	LastErrorCode *int
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (r Record) Clone() Record {
	out := r
	if r.ExpiresAt != nil {
		v := *r.ExpiresAt
		out.ExpiresAt = &v
	}
	if r.LastErrorCode != nil {
		v := *r.LastErrorCode
		out.LastErrorCode = &v
	}
	return out
}

// ClearError drops the most recent failure detail.
func (r *Record) ClearError() {
	r.LastError = ""
	r.LastErrorCode = nil
}

// SetError records a failure detail. A zero code is stored as absent.
func (r *Record) SetError(code int, message string) {
	r.LastError = message
	if code == 0 {
		r.LastErrorCode = nil
		return
	}
	r.LastErrorCode = &code
}

// WithRefreshToken returns a copy carrying an operator-supplied refresh token.
// Status resets to unknown and previous errors are dropped.
func (r Record) WithRefreshToken(token string) Record {
	out := r.Clone()
	out.RefreshToken = token
	out.Status = StatusUnknown
	out.ClearError()
	return out
}

// WithAccessToken returns a copy carrying an operator-supplied access token
// that is assumed valid for nominalTTL seconds from nowSec.
func (r Record) WithAccessToken(token string, nowSec, nominalTTL int64) Record {
	out := r.Clone()
	out.AccessToken = token
	exp := nowSec + nominalTTL
	out.ExpiresAt = &exp
	out.Status = StatusUnknown
	out.ClearError()
	return out
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 { return &v }
