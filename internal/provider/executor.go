package provider

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/oauth2"

	"github.com/florianilch/cloudkey/internal/clock"
	"github.com/florianilch/cloudkey/internal/credential"
)

// DefaultTimeout bounds a single refresh exchange.
const DefaultTimeout = 30 * time.Second

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorConfig)

// executorConfig holds configuration for NewExecutor.
type executorConfig struct {
	baseTransport http.RoundTripper
	timeout       time.Duration
	jsonRequests  bool
	classifier    *Classifier
	clock         clock.Clock
}

// WithTransport sets a custom base transport for refresh requests.
// If not provided, http.DefaultTransport is used.
func WithTransport(transport http.RoundTripper) ExecutorOption {
	return func(c *executorConfig) {
		c.baseTransport = transport
	}
}

// WithTimeout bounds each exchange. Non-positive values keep DefaultTimeout.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(c *executorConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithJSONRequests sends refresh requests JSON-encoded instead of form-encoded.
func WithJSONRequests(enabled bool) ExecutorOption {
	return func(c *executorConfig) {
		c.jsonRequests = enabled
	}
}

// WithClassifier replaces the default error classifier.
func WithClassifier(cl *Classifier) ExecutorOption {
	return func(c *executorConfig) {
		c.classifier = cl
	}
}

// WithClock sets the clock used to turn expires_in into an absolute expiry.
func WithClock(cl clock.Clock) ExecutorOption {
	return func(c *executorConfig) {
		c.clock = cl
	}
}

// Executor performs refresh-token exchanges. Safe for concurrent use.
type Executor struct {
	oauth2Config *oauth2.Config
	httpClient   *http.Client
	classifier   *Classifier
	clock        clock.Clock
	timeout      time.Duration
}

// NewExecutor creates an Executor for the given endpoint. No I/O is performed.
func NewExecutor(endpoint Endpoint, opts ...ExecutorOption) *Executor {
	cfg := &executorConfig{
		baseTransport: http.DefaultTransport,
		timeout:       DefaultTimeout,
		clock:         clock.Real{},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.classifier == nil {
		cfg.classifier = NewClassifier(nil)
	}

	var transport http.RoundTripper = cfg.baseTransport
	if cfg.jsonRequests {
		transport = &jsonRequestTransport{base: transport}
	}

	return &Executor{
		oauth2Config: endpoint.oauth2Config(),
		httpClient: &http.Client{
			// Second bound in case the caller's context carries no deadline.
			Timeout:   cfg.timeout,
			Transport: &envelopeTransport{base: transport},
		},
		classifier: cfg.classifier,
		clock:      cfg.clock,
		timeout:    cfg.timeout,
	}
}

// Execute exchanges refreshToken for a new token pair. On success the returned
// record is marked valid with errors cleared. Failures are returned as *Error
// (possibly wrapped with an operator hint); a cancelled or timed-out exchange
// is CategoryTransient.
func (e *Executor) Execute(ctx context.Context, refreshToken string) (credential.Record, error) {
	if refreshToken == "" {
		return credential.Record{}, withHint(&Error{Category: CategoryParam, Message: "no refresh token configured"})
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// oauth2 picks up the HTTP client from the context.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)

	// An empty access token forces the reuse source to refresh immediately.
	tok, err := e.oauth2Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return credential.Record{}, e.classify(ctx, err)
	}

	record := credential.Record{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Status:       credential.StatusValid,
	}
	if record.RefreshToken == "" {
		record.RefreshToken = refreshToken
	}
	if tok.ExpiresIn > 0 {
		record.ExpiresAt = credential.Int64(e.clock.Now().Unix() + tok.ExpiresIn)
	}
	return record, nil
}

// classify converts an oauth2 failure into a classified error.
func (e *Executor) classify(ctx context.Context, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
			if orig, convErr := strconv.Atoi(rerr.Response.Header.Get(upstreamStatusHeader)); convErr == nil {
				status = orig
			}
		}
		p := parsePayload(status, rerr.Body)
		if p.OAuthError == "" {
			p.OAuthError = rerr.ErrorCode
		}
		return withHint(e.classifier.Classify(p))
	}

	// A 2xx response oauth2 could not use is a provider contract violation, not a network problem.
	if msg := err.Error(); strings.Contains(msg, "missing access_token") || strings.Contains(msg, "cannot parse") {
		return withHint(&Error{Category: CategoryUnknown, Message: "malformed token response", cause: err})
	}

	if ctx.Err() != nil {
		return &Error{Category: CategoryTransient, Message: "refresh request cancelled or timed out", cause: err}
	}
	return &Error{Category: CategoryTransient, Message: "refresh request failed", cause: err}
}
