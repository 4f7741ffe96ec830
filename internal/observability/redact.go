package observability

import (
	"log/slog"
	"strings"
)

const redacted = "[REDACTED]"

// secretKeys are attribute keys whose values never reach the console.
var secretKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"refresh_token": {},
	"accesstoken":   {},
	"refreshtoken":  {},
	"authorization": {},
	"client_secret": {},
	"password":      {},
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() == slog.KindString && a.Value.String() != "" {
		return slog.String(a.Key, redacted)
	}
	return a
}
