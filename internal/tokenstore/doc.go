// Package tokenstore maps cloudkey's typed state onto a settings.Store.
//
// Three groups of keys are kept:
//   - the credential record (tokens, expiry, refresh token status, last error)
//   - the refresh attempt history the rate limiter needs across restarts
//   - operator preferences (auto-refresh, minimum interval, skew)
//
// Values are stored as strings under stable key names so every backend
// (file, keyring, SQL, Redis) shares one layout.
package tokenstore
