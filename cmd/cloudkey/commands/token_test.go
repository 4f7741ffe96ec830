package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/cloudkey/internal/credential"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// useFileStorage points every command of the test at one settings file.
func useFileStorage(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	t.Setenv("CLOUDKEY_STORAGE__TYPE", "file")
	t.Setenv("CLOUDKEY_STORAGE__FILE", filepath.Join(t.TempDir(), "settings.json"))
	t.Setenv("CLOUDKEY_LOG_LEVEL", "error")
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.Writer = &out
	cmd.ErrWriter = io.Discard
	cmd.Reader = strings.NewReader(stdin)

	err := cmd.Run(context.Background(), append([]string{"cloudkey"}, args...))
	return out.String(), err
}

func status(t *testing.T) tokenmanager.Summary {
	t.Helper()
	out, err := run(t, "", "token", "status", "--json")
	require.NoError(t, err)
	var s tokenmanager.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s), out)
	return s
}

func TestTokenEditing(t *testing.T) {
	useFileStorage(t)

	s := status(t)
	assert.False(t, s.HasRefreshToken)
	assert.True(t, s.AutoRefreshEnabled)

	out, err := run(t, "  refresh-1\n", "token", "set-refresh")
	require.NoError(t, err)
	assert.Equal(t, "refresh token stored\n", out)

	out, err = run(t, "", "token", "set-access", "access-1")
	require.NoError(t, err)
	assert.Equal(t, "access token stored\n", out)

	_, err = run(t, "", "token", "auto-refresh", "off")
	require.NoError(t, err)

	out, err = run(t, "", "token", "min-interval", "500")
	require.NoError(t, err)
	assert.Equal(t, "minimum refresh interval 120 minutes\n", out)

	s = status(t)
	assert.True(t, s.HasRefreshToken)
	assert.True(t, s.HasAccessToken)
	assert.Equal(t, credential.StatusUnknown, s.RefreshTokenStatus)
	assert.False(t, s.AutoRefreshEnabled)
	assert.Equal(t, 120, s.MinRefreshIntervalMinutes)

	out, err = run(t, "", "token", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "auto refresh:   off (min interval 120m, skew 300s)")
	assert.NotContains(t, out, "refresh-1")
	assert.NotContains(t, out, "access-1")
}

func TestTokenSetRefreshRejectsEmptyInput(t *testing.T) {
	useFileStorage(t)

	_, err := run(t, " \n", "token", "set-refresh")
	assert.ErrorContains(t, err, "must not be empty")
}

func TestTokenAutoRefreshRejectsUnknownArgument(t *testing.T) {
	useFileStorage(t)

	_, err := run(t, "", "token", "auto-refresh", "maybe")
	assert.ErrorContains(t, err, "expected on or off")
}

func TestTokenGetRefreshesThroughProvider(t *testing.T) {
	useFileStorage(t)
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"state":1,"code":0,"data":{"access_token":"fresh-access","refresh_token":"refresh-2","expires_in":7200}}`)
	}))
	defer provider.Close()
	t.Setenv("CLOUDKEY_PROVIDER__TOKEN_URL", provider.URL)

	_, err := run(t, "", "token", "set-refresh", "refresh-1")
	require.NoError(t, err)

	out, err := run(t, "", "token", "get")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access\n", out)

	// Still valid, so no second exchange is needed, and the rate limit was recorded.
	out, err = run(t, "", "token", "get")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access\n", out)
	assert.Equal(t, 1, status(t).RateLimit.UsedInWindow)

	_, err = run(t, "", "token", "refresh")
	assert.ErrorContains(t, err, "rate limited")
}

func TestTokenGetWithoutRefreshToken(t *testing.T) {
	useFileStorage(t)

	_, err := run(t, "", "token", "get")
	assert.ErrorIs(t, err, tokenmanager.ErrNoRefreshToken)
}
