// Package provider exchanges refresh tokens with the cloud-storage provider
// and classifies its failures.
//
// The provider's token endpoint deviates from plain OAuth2 in a few ways that
// need custom handling:
//   - Responses are wrapped in an envelope {state, code, message, data}
//   - Failures may be reported with HTTP 200 and a non-zero code
//   - Some deployments expect JSON-encoded refresh requests
//
// # Refreshing
//
//	exec := provider.NewExecutor(provider.Endpoint{TokenURL: url})
//	record, err := exec.Execute(ctx, refreshToken)
//	if err != nil {
//		switch provider.CategoryOf(err) {
//		case provider.CategoryAuthTerminal:
//			// operator must re-authorize
//		case provider.CategoryTransient, provider.CategoryAuthRateLimited:
//			// try again later
//		}
//	}
//
// The executor performs no rate limiting of its own; callers decide when an
// exchange may be issued.
package provider
