package provider

import (
	"net/http"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/florianilch/cloudkey/internal/credential"
)

// Rule maps a provider code to a category and, for terminal failures, the
// refresh token status it implies.
type Rule struct {
	Category Category
	Status   credential.Status
}

// ParseRule parses "category" or "auth_terminal:expired".
func ParseRule(s string) (Rule, error) {
	name, status, _ := strings.Cut(s, ":")
	c, err := ParseCategory(name)
	if err != nil {
		return Rule{}, err
	}
	r := Rule{Category: c}
	if c != CategoryAuthTerminal {
		if status != "" {
			return Rule{}, errors.Newf("status suffix only allowed for %s", CategoryAuthTerminal)
		}
		return r, nil
	}
	switch credential.Status(status) {
	case "", credential.StatusInvalid:
		r.Status = credential.StatusInvalid
	case credential.StatusExpired:
		r.Status = credential.StatusExpired
	default:
		return Rule{}, errors.Newf("terminal status must be invalid or expired, got %q", status)
	}
	return r, nil
}

// DefaultRules is the provider's documented refresh error table.
func DefaultRules() map[int]Rule {
	return map[int]Rule{
		// refresh token already used or otherwise invalid
		40140116: {CategoryAuthTerminal, credential.StatusInvalid},
		// refresh issued too frequently
		40140117: {Category: CategoryAuthRateLimited},
		40140119: {CategoryAuthTerminal, credential.StatusExpired},
		// refresh token signature check failed
		40140120: {CategoryAuthTerminal, credential.StatusInvalid},
		// provider side refresh failure
		40140121: {Category: CategoryTransient},
		40140123: {Category: CategoryParam},
		40140124: {Category: CategoryParam},
		40140125: {CategoryAuthTerminal, credential.StatusInvalid},
		40140126: {CategoryAuthTerminal, credential.StatusInvalid},
		40140127: {Category: CategoryParam},
		40140128: {Category: CategoryParam},
		// application deauthorized by the user
		40140129: {CategoryAuthTerminal, credential.StatusInvalid},
	}
}

// oauthErrorRules covers flat RFC 6749 error responses.
var oauthErrorRules = map[string]Rule{
	"invalid_grant":           {CategoryAuthTerminal, credential.StatusInvalid},
	"unauthorized_client":     {CategoryAuthTerminal, credential.StatusInvalid},
	"invalid_request":         {Category: CategoryParam},
	"invalid_client":          {Category: CategoryParam},
	"unsupported_grant_type":  {Category: CategoryParam},
	"invalid_scope":           {Category: CategoryParam},
	"temporarily_unavailable": {Category: CategoryTransient},
	"server_error":            {Category: CategoryTransient},
	"slow_down":               {Category: CategoryAuthRateLimited},
}

var (
	rateLimitHints = []string{"too frequent", "too many", "rate limit", "frequency"}
	transientHints = []string{"timeout", "timed out", "network", "connection", "temporarily", "unavailable", "try again"}
)

// Classifier maps provider failures to categories. The zero value is not
// usable; use NewClassifier.
type Classifier struct {
	rules map[int]Rule
}

// NewClassifier returns a classifier using DefaultRules extended and
// overridden by extra.
func NewClassifier(extra map[int]Rule) *Classifier {
	rules := DefaultRules()
	for code, r := range extra {
		if r.Category == CategoryAuthTerminal && r.Status == "" {
			r.Status = credential.StatusInvalid
		}
		rules[code] = r
	}
	return &Classifier{rules: rules}
}

// Payload is the decoded part of a failed refresh response.
type Payload struct {
	HTTPStatus int
	Code       int
	Message    string
	// OAuthError is the RFC 6749 "error" field, if present.
	OAuthError string
}

// Classify turns a failure payload into a classified error. Keyed codes win;
// otherwise standard OAuth error names, then message and status heuristics.
func (c *Classifier) Classify(p Payload) *Error {
	e := &Error{Code: p.Code, Message: p.Message, HTTPStatus: p.HTTPStatus}
	if e.Message == "" {
		e.Message = p.OAuthError
	}

	if r, ok := c.rules[p.Code]; ok && p.Code != 0 {
		e.Category, e.Status = r.Category, r.Status
		return e
	}
	if r, ok := oauthErrorRules[p.OAuthError]; ok {
		e.Category, e.Status = r.Category, r.Status
		return e
	}

	msg := strings.ToLower(p.Message)
	switch {
	case containsAny(msg, rateLimitHints) || p.HTTPStatus == http.StatusTooManyRequests:
		e.Category = CategoryAuthRateLimited
	case containsAny(msg, transientHints) || p.HTTPStatus >= 500:
		e.Category = CategoryTransient
	default:
		e.Category = CategoryUnknown
	}
	return e
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
