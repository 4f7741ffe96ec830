package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/ratelimit"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

type fakeManager struct {
	mu sync.Mutex

	token     string
	expiresAt *int64
	err       error
	refreshed int

	refreshToken string
	accessToken  string
	autoRefresh  *bool
	minutes      int
	summary      tokenmanager.Summary
	sourceCtx    context.Context
}

func (f *fakeManager) TokenSource(ctx context.Context) oauth2.TokenSource {
	f.mu.Lock()
	f.sourceCtx = ctx
	f.mu.Unlock()
	return fakeSource{manager: f, ctx: ctx}
}

func (f *fakeManager) lastSourceCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sourceCtx
}

type fakeSource struct {
	manager *fakeManager
	ctx     context.Context
}

func (s fakeSource) Token() (*oauth2.Token, error) {
	tok, err := s.manager.GetValidAccessToken(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok, TokenType: "Bearer"}, nil
}

func (f *fakeManager) GetValidAccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, f.err
}

func (f *fakeManager) ManualRefresh(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return f.token, f.err
}

func (f *fakeManager) Record(context.Context) (credential.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return credential.Record{AccessToken: f.token, RefreshToken: "r", ExpiresAt: f.expiresAt}, nil
}

func (f *fakeManager) Summary(context.Context) (tokenmanager.Summary, error) {
	return f.summary, nil
}

func (f *fakeManager) SetRefreshToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshToken = token
	return nil
}

func (f *fakeManager) SetAccessToken(_ context.Context, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessToken = token
	return nil
}

func (f *fakeManager) SetAutoRefresh(_ context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoRefresh = &enabled
	return nil
}

func (f *fakeManager) SetMinRefreshInterval(_ context.Context, minutes int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minutes = ratelimit.ClampMinInterval(minutes)
	return f.minutes, nil
}

func newTestServer(t *testing.T, m TokenManager, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(m, opts...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestGetToken(t *testing.T) {
	m := &fakeManager{token: "access-1", expiresAt: credential.Int64(1_700_007_200)}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodGet, "/v1/token", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	resp := decode[TokenResponse](t, rec)
	assert.Equal(t, "access-1", resp.AccessToken)
	assert.Equal(t, "Bearer", resp.TokenType)
	require.NotNil(t, resp.ExpiresAt)
	assert.EqualValues(t, 1_700_007_200, *resp.ExpiresAt)
}

func TestManualRefresh(t *testing.T) {
	m := &fakeManager{token: "access-2"}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodPost, "/v1/token/refresh", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, m.refreshed)
	assert.Equal(t, "access-2", decode[TokenResponse](t, rec).AccessToken)

	rec = do(t, s, http.MethodGet, "/v1/token/refresh", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantStatus   int
		wantCategory string
		wantCode     int
		wantRetry    string
		wantHint     bool
	}{
		{
			name:         "local rate limit",
			err:          &tokenmanager.RateLimitedError{Reason: ratelimit.ReasonMinInterval, RetryAfterSec: 1800},
			wantStatus:   http.StatusTooManyRequests,
			wantCategory: tokenmanager.CategoryLocalRateLimited,
			wantRetry:    "1800",
		},
		{
			name:         "terminal",
			err:          provider.TerminalError(credential.StatusExpired, 40140119, "refresh token expired"),
			wantStatus:   http.StatusUnauthorized,
			wantCategory: string(provider.CategoryAuthTerminal),
			wantCode:     40140119,
			wantHint:     true,
		},
		{
			name:         "no refresh token",
			err:          errors.WithHint(tokenmanager.ErrNoRefreshToken, "supply one"),
			wantStatus:   http.StatusUnauthorized,
			wantCategory: string(provider.CategoryParam),
			wantHint:     true,
		},
		{
			name:         "provider rate limit",
			err:          &provider.Error{Category: provider.CategoryAuthRateLimited, Code: 40140117, Message: "too frequent"},
			wantStatus:   http.StatusTooManyRequests,
			wantCategory: string(provider.CategoryAuthRateLimited),
			wantCode:     40140117,
		},
		{
			name:         "transient",
			err:          errors.Wrap(&provider.Error{Category: provider.CategoryTransient, Message: "timeout"}, "refresh"),
			wantStatus:   http.StatusServiceUnavailable,
			wantCategory: string(provider.CategoryTransient),
		},
		{
			name:         "parameter error",
			err:          &provider.Error{Category: provider.CategoryParam, Code: 40140123},
			wantStatus:   http.StatusInternalServerError,
			wantCategory: string(provider.CategoryParam),
			wantCode:     40140123,
		},
		{
			name:         "storage failure",
			err:          errors.New("disk full"),
			wantStatus:   http.StatusInternalServerError,
			wantCategory: string(provider.CategoryUnknown),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &fakeManager{err: tt.err})

			rec := do(t, s, http.MethodGet, "/v1/token", "")

			require.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantRetry, rec.Header().Get("Retry-After"))
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tt.wantCategory, resp.Category)
			assert.Equal(t, tt.wantCode, resp.Code)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.wantHint, resp.Hint != "", "hint: %q", resp.Hint)
			if tt.wantRetry != "" {
				assert.EqualValues(t, 1800, resp.RetryAfterSec)
			}
		})
	}
}

func TestSetTokens(t *testing.T) {
	m := &fakeManager{}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodPut, "/v1/token/refresh-token", `{"token":" r-new \n"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "r-new", m.refreshToken)

	rec = do(t, s, http.MethodPut, "/v1/token/access-token", `{"token":"a-new"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "a-new", m.accessToken)
}

func TestSetTokenRejectsBadBodies(t *testing.T) {
	tests := map[string]string{
		"empty token":   `{"token":"  "}`,
		"unknown field": `{"token":"x","extra":1}`,
		"not json":      `token=x`,
		"missing body":  ``,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			m := &fakeManager{}
			s := newTestServer(t, m)

			rec := do(t, s, http.MethodPut, "/v1/token/refresh-token", body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "bad_request", decode[ErrorResponse](t, rec).Category)
			assert.Empty(t, m.refreshToken)
		})
	}
}

func TestSetAutoRefresh(t *testing.T) {
	m := &fakeManager{}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodPut, "/v1/auto-refresh", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, m.autoRefresh)

	rec = do(t, s, http.MethodPut, "/v1/auto-refresh", `{"enabled":false}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, m.autoRefresh)
	assert.False(t, *m.autoRefresh)
}

func TestSetMinRefreshIntervalReportsClampedValue(t *testing.T) {
	m := &fakeManager{}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodPut, "/v1/min-refresh-interval", `{"minutes":5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ratelimit.MinIntervalFloorMinutes, decode[minRefreshIntervalResponse](t, rec).Minutes)
}

func TestStatusHidesTokens(t *testing.T) {
	m := &fakeManager{
		token: "secret-access",
		summary: tokenmanager.Summary{
			State:              tokenmanager.StateIdle,
			RefreshTokenStatus: credential.StatusValid,
			HasAccessToken:     true,
			HasRefreshToken:    true,
			AutoRefreshEnabled: true,
			RateLimit:          ratelimit.Status{UsedInWindow: 1, MaxPerWindow: ratelimit.MaxPerWindow},
		},
	}
	s := newTestServer(t, m)

	rec := do(t, s, http.MethodGet, "/v1/status", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret-access")
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "valid", body["refresh_token_status"])
	assert.Contains(t, body, "rate_limit")
}

func TestUpstreamForwarding(t *testing.T) {
	seen := make(chan *http.Request, 1)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Clone(context.Background())
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	s := newTestServer(t, &fakeManager{token: "access-1"}, WithUpstream(upstream.URL+"/api"))

	req := httptest.NewRequest(http.MethodPost, "/upstream/v1/files?limit=2", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer caller-supplied")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	got := <-seen
	assert.Equal(t, "Bearer access-1", got.Header.Get("Authorization"))
	assert.Equal(t, "/api/v1/files", got.URL.Path)
	assert.Equal(t, "limit=2", got.URL.RawQuery)
}

func TestUpstreamTokenBoundToRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	m := &fakeManager{token: "access-1"}
	s := newTestServer(t, m, WithUpstream(upstream.URL))

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/upstream/v1/files")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The token lookup ran under the request context, which ends with the request.
	ctx := m.lastSourceCtx()
	require.NotNil(t, ctx)
	require.Eventually(t, func() bool { return ctx.Err() != nil }, time.Second, time.Millisecond)
}

func TestUpstreamTokenFailure(t *testing.T) {
	var called atomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Store(true)
	}))
	defer upstream.Close()

	m := &fakeManager{err: &tokenmanager.RateLimitedError{Reason: ratelimit.ReasonWindowExceeded, RetryAfterSec: 60}}
	s := newTestServer(t, m, WithUpstream(upstream.URL))

	rec := do(t, s, http.MethodGet, "/upstream/v1/files", "")

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.False(t, called.Load())
}

func TestUpstreamUnreachable(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	s := newTestServer(t, &fakeManager{token: "a"}, WithUpstream(url))

	rec := do(t, s, http.MethodGet, "/upstream/anything", "")

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "upstream", decode[ErrorResponse](t, rec).Category)
}

func TestUpstreamDisabledByDefault(t *testing.T) {
	s := newTestServer(t, &fakeManager{token: "a"})

	rec := do(t, s, http.MethodGet, "/upstream/anything", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWithUpstreamRejectsInvalidURL(t *testing.T) {
	for _, raw := range []string{"::not a url", "/relative/only"} {
		_, err := New(&fakeManager{}, WithUpstream(raw))
		assert.Error(t, err, raw)
	}
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, &fakeManager{token: "a"})

	errCh, err := s.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, s.Addr())

	resp, err := http.Get("http://" + s.Addr().String() + "/v1/token")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, open := <-errCh
	assert.False(t, open, "error channel closes after a graceful shutdown")
}

func TestStartFailsOnBusyAddress(t *testing.T) {
	first := newTestServer(t, &fakeManager{})
	_, err := first.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = first.Shutdown(context.Background()) }()

	second := newTestServer(t, &fakeManager{})
	_, err = second.Start(context.Background(), first.Addr().String())
	assert.Error(t, err)
}
