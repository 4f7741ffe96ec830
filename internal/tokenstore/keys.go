package tokenstore

// Persisted key names.
const (
	KeyAccessToken        = "accessToken"
	KeyRefreshToken       = "refreshToken"
	KeyExpiresAt          = "expiresAt"
	KeyRefreshTokenStatus = "refreshTokenStatus"
	KeyLastError          = "lastError"
	KeyLastErrorCode      = "lastErrorCode"

	KeyRefreshHistory   = "refreshHistory"
	KeyLastRefreshAtSec = "lastRefreshAtSec"

	KeyAutoRefreshEnabled        = "autoRefreshEnabled"
	KeyMinRefreshIntervalMinutes = "minRefreshIntervalMinutes"
	KeyRefreshSkewSeconds        = "refreshSkewSeconds"
)
