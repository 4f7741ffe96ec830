package provider

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/florianilch/cloudkey/internal/credential"
)

// Category is the class of a refresh failure.
type Category string

const (
	// CategoryParam is a malformed request: a configuration bug, never retried.
	CategoryParam Category = "param_error"
	// CategoryAuthTerminal means the refresh token is invalid or expired and
	// the operator has to re-authorize.
	CategoryAuthTerminal Category = "auth_terminal"
	// CategoryAuthRateLimited means the provider rejected the refresh call as too frequent.
	CategoryAuthRateLimited Category = "auth_rate_limited"
	// CategoryTransient covers timeouts, 5xx and connectivity failures.
	CategoryTransient Category = "transient"
	// CategoryUnknown is an unrecognized failure, surfaced verbatim.
	CategoryUnknown Category = "unknown"
)

// ParseCategory converts a configured category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(strings.ToLower(strings.TrimSpace(s))); c {
	case CategoryParam, CategoryAuthTerminal, CategoryAuthRateLimited, CategoryTransient, CategoryUnknown:
		return c, nil
	default:
		return "", errors.Newf("unknown error category %q", s)
	}
}

// Retryable reports whether a later attempt may succeed without operator action.
func (c Category) Retryable() bool {
	return c == CategoryTransient || c == CategoryAuthRateLimited
}

// Hint returns operator guidance for the category, or "" if none applies.
func (c Category) Hint() string {
	switch c {
	case CategoryAuthTerminal:
		return "the refresh token is no longer accepted; re-authorize and supply a new refresh token"
	case CategoryParam:
		return "the refresh request was rejected as malformed; check the provider endpoint and client configuration"
	case CategoryUnknown:
		return "unrecognized provider error; the code and message are reported verbatim"
	default:
		return ""
	}
}

// Error is a classified refresh failure.
type Error struct {
	Category Category
	// Code is the provider's numeric error code, zero if none was returned.
	Code int
	// Message is the provider's message, or a description of the local failure.
	Message string
	// HTTPStatus is the response status, zero for transport failures.
	HTTPStatus int
	// Status is the refresh token status implied by the failure. Only set for CategoryAuthTerminal.
	Status credential.Status

	cause error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.cause != nil {
		fmt.Fprintf(&b, ": %v", e.cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// CategoryOf returns the category of a classified error anywhere in err's
// chain, or CategoryUnknown.
func CategoryOf(err error) Category {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	return CategoryUnknown
}

// IsRetryable reports whether err is a classified failure that may succeed later.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Category.Retryable()
}

// withHint attaches the category's operator hint to e.
func withHint(e *Error) error {
	if h := e.Category.Hint(); h != "" {
		return errors.WithHint(e, h)
	}
	return e
}

// TerminalError rebuilds the AuthTerminal failure recorded for a refresh
// token, so callers see the same error without another exchange.
func TerminalError(status credential.Status, code int, message string) error {
	if !status.Terminal() {
		status = credential.StatusInvalid
	}
	return withHint(&Error{Category: CategoryAuthTerminal, Code: code, Message: message, Status: status})
}
