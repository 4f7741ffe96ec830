package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// upstreamPrefix is the path under which requests are forwarded upstream.
const upstreamPrefix = "/upstream"

// TokenManager is the credential surface served by the API.
type TokenManager interface {
	TokenSource(ctx context.Context) oauth2.TokenSource
	GetValidAccessToken(ctx context.Context) (string, error)
	ManualRefresh(ctx context.Context) (string, error)
	Record(ctx context.Context) (credential.Record, error)
	Summary(ctx context.Context) (tokenmanager.Summary, error)
	SetRefreshToken(ctx context.Context, token string) error
	SetAccessToken(ctx context.Context, token string) error
	SetAutoRefresh(ctx context.Context, enabled bool) error
	SetMinRefreshInterval(ctx context.Context, minutes int) (int, error)
}

// Option configures a Server.
type Option func(*options) error

type options struct {
	upstream *url.URL
	logger   *slog.Logger
}

// WithUpstream enables forwarding of /upstream/... to baseURL with the
// current access token as bearer credential.
func WithUpstream(baseURL string) Option {
	return func(o *options) error {
		if baseURL == "" {
			return nil
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return fmt.Errorf("invalid upstream URL: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid upstream URL %q: scheme and host are required", baseURL)
		}
		o.upstream = u
		return nil
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// Server is the local credential API.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	addr    net.Addr
	manager TokenManager
}

var _ http.Handler = (*Server)(nil)

// New builds the API around manager.
func New(manager TokenManager, opts ...Option) (*Server, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	s := &Server{mux: http.NewServeMux(), manager: manager}

	api := func(h http.HandlerFunc) http.Handler {
		return applyMiddlewares(h, Logging(o.logger), Recovery)
	}

	s.mux.Handle("GET /v1/token", api(s.handleGetToken))
	s.mux.Handle("POST /v1/token/refresh", api(s.handleRefresh))
	s.mux.Handle("PUT /v1/token/refresh-token", api(s.handleSetRefreshToken))
	s.mux.Handle("PUT /v1/token/access-token", api(s.handleSetAccessToken))
	s.mux.Handle("GET /v1/status", api(s.handleStatus))
	s.mux.Handle("PUT /v1/auto-refresh", api(s.handleSetAutoRefresh))
	s.mux.Handle("PUT /v1/min-refresh-interval", api(s.handleSetMinRefreshInterval))

	if o.upstream != nil {
		s.mux.Handle(upstreamPrefix+"/", applyMiddlewares(s.forwarder(o.upstream), Logging(o.logger), Recovery))
	}

	return s, nil
}

// forwarder proxies to upstream, authenticating each request with the
// managed access token.
func (s *Server) forwarder(upstream *url.URL) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.Header.Del("Authorization")
		},
		// Flush only when the upstream flushes so streamed responses pass through unbuffered.
		FlushInterval: -1,
		Transport:     &requestTransport{manager: s.manager},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if isTokenError(err) {
				writeError(r.Context(), w, err)
				return
			}
			slog.WarnContext(r.Context(), "upstream request failed", "error", err)
			writeJSON(r.Context(), w, ErrorResponse{Error: "upstream unavailable", Category: "upstream"}, http.StatusBadGateway)
		},
	}
	return http.StripPrefix(upstreamPrefix, rp)
}

// requestTransport authenticates each forwarded request with a token obtained
// under that request's context, so a departed client stops waiting on a refresh.
type requestTransport struct {
	manager TokenManager
	base    http.RoundTripper // nil means http.DefaultTransport
}

func (t *requestTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := &oauth2.Transport{Source: t.manager.TokenSource(req.Context()), Base: t.base}
	return rt.RoundTrip(req)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Start listens on address and serves in the background.
//
// Listen failures are returned immediately; failures while serving are sent
// on the returned channel, which is closed once the server stops.
// The caller is responsible for calling Shutdown.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.addr = listener.Addr()
	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // covers a full refresh exchange plus streamed upstream responses
		IdleTimeout:  90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops the server gracefully, closing it forcibly if ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}

// isTokenError reports whether err came from obtaining the access token
// rather than from the upstream round trip.
func isTokenError(err error) bool {
	var (
		pe *provider.Error
		rl *tokenmanager.RateLimitedError
	)
	return errors.As(err, &pe) || errors.As(err, &rl) || errors.Is(err, tokenmanager.ErrNoRefreshToken)
}
