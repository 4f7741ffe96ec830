package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
)

// Recovery turns handler panics into HTTP 500. The panic itself is logged by Logging.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if recover() != nil {
				writeJSON(r.Context(), w, ErrorResponse{
					Error:    http.StatusText(http.StatusInternalServerError),
					Category: "internal",
				}, http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// Logging logs one line per request. Headers that may carry credentials and
// all bodies are never logged.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema: httplog.SchemaECS.Concise(true),

		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{"Retry-After"},
		LogRequestBody:     nil,
		LogResponseBody:    nil,

		RecoverPanics: false,
	})
}

// applyMiddlewares wraps h so that the first middleware is the outermost.
func applyMiddlewares(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
