package tokenmanager

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/florianilch/cloudkey/internal/provider"
)

// ErrNoRefreshToken is returned when a refresh is needed but none is stored.
var ErrNoRefreshToken = errors.New("no refresh token configured")

const noRefreshTokenHint = "supply a refresh token with: cloudkey token set-refresh"

const storeLockHint = "another cloudkey process may be refreshing through the same storage; retry shortly"

// RateLimitedError reports a refresh denied by the local rate limiter.
// Nothing was sent to the provider.
type RateLimitedError struct {
	// Reason is ratelimit.ReasonWindowExceeded or ratelimit.ReasonMinInterval.
	Reason string
	// RetryAfterSec is always at least 1.
	RetryAfterSec int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("refresh rate limited locally (%s), retry after %ds", e.Reason, e.RetryAfterSec)
}

// RetryAfter returns the wait hint of a local rate limit denial in err, or 0.
func RetryAfter(err error) int64 {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfterSec
	}
	return 0
}

// CategoryLocalRateLimited labels refreshes denied by the local rate limiter.
const CategoryLocalRateLimited = "local_rate_limited"

// Category returns the failure category of err: one of the provider
// categories or CategoryLocalRateLimited. A missing refresh token counts as
// a parameter error.
func Category(err error) string {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return CategoryLocalRateLimited
	case errors.Is(err, ErrNoRefreshToken):
		return string(provider.CategoryParam)
	default:
		return string(provider.CategoryOf(err))
	}
}
