// Package credential defines the authoritative token record and the pure
// validity checks the token manager uses to decide whether a refresh is needed.
//
// A Record is created when an operator first supplies a refresh token and is
// afterwards replaced, never deleted:
//   - a successful exchange marks the refresh token valid and clears errors
//   - a terminal authorization failure marks it invalid or expired
//   - a manual edit of either token field resets the status to unknown
package credential
