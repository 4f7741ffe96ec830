package ratelimit

// Provider-imposed limits. Not user-configurable.
const (
	MaxPerWindow  = 3
	WindowSeconds = int64(7200)

	MinIntervalFloorMinutes = 60
	MinIntervalCeilMinutes  = 120
)

// DefaultRefreshSkewSeconds is how far ahead of expiry refreshes happen unless configured.
const DefaultRefreshSkewSeconds = int64(300)

// Config holds the tunable part of the refresh rate limit.
type Config struct {
	// MinIntervalMinutes is the minimum spacing between two refresh attempts,
	// always within [MinIntervalFloorMinutes, MinIntervalCeilMinutes].
	MinIntervalMinutes int
	// RefreshSkewSeconds is the safety margin subtracted from expiry. Never negative.
	RefreshSkewSeconds int64
}

// DefaultConfig returns the most conservative spacing with the default skew.
func DefaultConfig() Config {
	return Config{
		MinIntervalMinutes: MinIntervalFloorMinutes,
		RefreshSkewSeconds: DefaultRefreshSkewSeconds,
	}
}

// ClampMinInterval forces minutes into [60,120].
func ClampMinInterval(minutes int) int {
	return min(max(minutes, MinIntervalFloorMinutes), MinIntervalCeilMinutes)
}

// Normalize returns c with every field clamped into its legal range.
func (c Config) Normalize() Config {
	c.MinIntervalMinutes = ClampMinInterval(c.MinIntervalMinutes)
	c.RefreshSkewSeconds = max(c.RefreshSkewSeconds, 0)
	return c
}

// MinIntervalSeconds returns the clamped minimum interval in seconds.
func (c Config) MinIntervalSeconds() int64 {
	return int64(ClampMinInterval(c.MinIntervalMinutes)) * 60
}
