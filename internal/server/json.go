package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/httplog/v3"

	"github.com/florianilch/cloudkey/internal/provider"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// maxBodyBytes bounds request bodies of the edit endpoints.
const maxBodyBytes = 64 << 10

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Category      string `json:"category"`
	Code          int    `json:"code,omitempty"`
	RetryAfterSec int64  `json:"retry_after_sec,omitempty"`
	Hint          string `json:"hint,omitempty"`
}

// writeJSON writes data with the given status. Encoding failures are only
// logged since the status line is already sent.
func writeJSON(ctx context.Context, w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.ErrorContext(ctx, "failed to encode JSON response", "error", err)
	}
}

// writeError maps err to a status code and writes it as an ErrorResponse.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, resp := errorResponse(err)
	if resp.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.FormatInt(resp.RetryAfterSec, 10))
	}
	_ = httplog.SetError(ctx, err)
	writeJSON(ctx, w, resp, status)
}

func errorResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{
		Error:    err.Error(),
		Category: tokenmanager.Category(err),
		Hint:     strings.Join(errors.GetAllHints(err), "\n"),
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		resp.Code = pe.Code
	}

	switch {
	case errors.Is(err, tokenmanager.ErrNoRefreshToken):
		return http.StatusUnauthorized, resp
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		resp.Category = string(provider.CategoryTransient)
		return http.StatusServiceUnavailable, resp
	}

	switch resp.Category {
	case tokenmanager.CategoryLocalRateLimited:
		resp.RetryAfterSec = tokenmanager.RetryAfter(err)
		return http.StatusTooManyRequests, resp
	case string(provider.CategoryAuthRateLimited):
		return http.StatusTooManyRequests, resp
	case string(provider.CategoryAuthTerminal):
		return http.StatusUnauthorized, resp
	case string(provider.CategoryTransient):
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

// badRequest reports a malformed request body.
func badRequest(ctx context.Context, w http.ResponseWriter, msg string) {
	writeJSON(ctx, w, ErrorResponse{Error: msg, Category: "bad_request"}, http.StatusBadRequest)
}

// decodeBody strictly decodes a bounded JSON body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}
