// Package tokenmanager owns the credential lifecycle: it hands out valid
// access tokens, refreshes them through a single code path shared by callers,
// operators and the background daemon, and keeps the persisted record and
// refresh history consistent.
//
// Concurrent callers never cause duplicate refresh calls. While an exchange
// is in flight every caller joins it and observes the same outcome:
//
//	m := tokenmanager.New(store, limiter, executor)
//	token, err := m.GetValidAccessToken(ctx)
//	var rl *tokenmanager.RateLimitedError
//	if errors.As(err, &rl) {
//		// retry after rl.RetryAfterSec
//	}
//
// Several managers, in one process or many, may share one store. Refreshes
// and operator edits hold the store's lock and re-read the persisted record,
// preferences and history before deciding, so rotated refresh tokens and
// attempts recorded elsewhere are never lost. The daemon calls Sync
// periodically to notice such changes while idle.
package tokenmanager
