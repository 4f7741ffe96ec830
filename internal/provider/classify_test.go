package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/cloudkey/internal/credential"
)

func TestClassify(t *testing.T) {
	c := NewClassifier(nil)

	tests := []struct {
		name       string
		payload    Payload
		want       Category
		wantStatus credential.Status
	}{
		{"keyed terminal", Payload{Code: 40140120}, CategoryAuthTerminal, credential.StatusInvalid},
		{"keyed expired", Payload{Code: 40140119}, CategoryAuthTerminal, credential.StatusExpired},
		{"keyed rate limit", Payload{Code: 40140117}, CategoryAuthRateLimited, ""},
		{"keyed transient", Payload{Code: 40140121}, CategoryTransient, ""},
		{"keyed param", Payload{Code: 40140128}, CategoryParam, ""},
		{"oauth slow_down", Payload{HTTPStatus: 400, OAuthError: "slow_down"}, CategoryAuthRateLimited, ""},
		{"message timeout", Payload{Code: 1, Message: "Gateway Timeout"}, CategoryTransient, ""},
		{"message network", Payload{Message: "network unreachable"}, CategoryTransient, ""},
		{"message frequency", Payload{Code: 7, Message: "Request too frequent"}, CategoryAuthRateLimited, ""},
		{"http 5xx", Payload{HTTPStatus: http.StatusBadGateway}, CategoryTransient, ""},
		{"http 429", Payload{HTTPStatus: http.StatusTooManyRequests}, CategoryAuthRateLimited, ""},
		{"unkeyed", Payload{HTTPStatus: 400, Code: 42, Message: "weird"}, CategoryUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.payload)
			assert.Equal(t, tt.want, got.Category)
			assert.Equal(t, tt.wantStatus, got.Status)
			assert.Equal(t, tt.payload.Code, got.Code)
		})
	}
}

func TestTerminalNeverImpliesValid(t *testing.T) {
	c := NewClassifier(nil)
	for code := range DefaultRules() {
		got := c.Classify(Payload{Code: code})
		if got.Category == CategoryAuthTerminal {
			assert.Contains(t, []credential.Status{credential.StatusInvalid, credential.StatusExpired}, got.Status, "code %d", code)
		} else {
			assert.Empty(t, got.Status, "code %d", code)
		}
	}
}

func TestClassifierOverrides(t *testing.T) {
	c := NewClassifier(map[int]Rule{
		40140121: {Category: CategoryAuthTerminal},
		50000001: {Category: CategoryTransient},
	})

	got := c.Classify(Payload{Code: 40140121})
	assert.Equal(t, CategoryAuthTerminal, got.Category)
	assert.Equal(t, credential.StatusInvalid, got.Status)

	assert.Equal(t, CategoryTransient, c.Classify(Payload{Code: 50000001}).Category)
	// defaults untouched
	assert.Equal(t, CategoryAuthRateLimited, c.Classify(Payload{Code: 40140117}).Category)
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("auth_terminal:expired")
	require.NoError(t, err)
	assert.Equal(t, Rule{CategoryAuthTerminal, credential.StatusExpired}, r)

	r, err = ParseRule("AUTH_TERMINAL")
	require.NoError(t, err)
	assert.Equal(t, credential.StatusInvalid, r.Status)

	r, err = ParseRule("transient")
	require.NoError(t, err)
	assert.Equal(t, Rule{Category: CategoryTransient}, r)

	for _, bad := range []string{"", "fatal", "transient:expired", "auth_terminal:valid"} {
		_, err := ParseRule(bad)
		assert.Error(t, err, bad)
	}
}

func TestCategoryRetryable(t *testing.T) {
	assert.True(t, CategoryTransient.Retryable())
	assert.True(t, CategoryAuthRateLimited.Retryable())
	assert.False(t, CategoryAuthTerminal.Retryable())
	assert.False(t, CategoryParam.Retryable())
	assert.False(t, CategoryUnknown.Retryable())
}
