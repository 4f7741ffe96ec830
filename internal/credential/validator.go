package credential

// IsValid reports whether the access token can be used at nowSec, treating it
// as expired skewSec seconds early. Tokens without a known expiry are valid
// as long as they are non-empty.
func IsValid(r Record, nowSec, skewSec int64) bool {
	if r.AccessToken == "" {
		return false
	}
	if r.ExpiresAt == nil {
		return true
	}
	return *r.ExpiresAt-skewSec > nowSec
}

// Spacing exposes the refresh-spacing constraints NextRefreshDue needs.
// ratelimit.Limiter satisfies it.
type Spacing interface {
	// LastAttempt returns the unix second of the most recent refresh attempt.
	LastAttempt() (int64, bool)
	// MinIntervalSeconds is the required gap between two attempts.
	MinIntervalSeconds() int64
	// SkewSeconds is how far ahead of expiry a refresh should happen.
	SkewSeconds() int64
}

// NextRefreshDue returns the earliest unix second at which a refresh should be
// attempted: the later of expiry minus skew and the last attempt plus the
// minimum interval. ok is false when no refresh is needed at all, either
// because there is no refresh token or because the access token never expires.
func NextRefreshDue(r Record, s Spacing, nowSec int64) (due int64, ok bool) {
	if r.RefreshToken == "" {
		return 0, false
	}

	switch {
	case r.AccessToken == "":
		due = nowSec
	case r.ExpiresAt != nil:
		due = *r.ExpiresAt - s.SkewSeconds()
	default:
		return 0, false
	}

	if last, has := s.LastAttempt(); has {
		due = max(due, last+s.MinIntervalSeconds())
	}
	return due, true
}
