package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/cloudkey/internal/tokenstore"
)

func freePort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func testConfig(t *testing.T, tokenURL string) *Config {
	t.Helper()
	cfg := &Config{
		Server:   ServerConfig{Host: "127.0.0.1", Port: freePort(t)},
		Storage:  StorageConfig{Type: StorageTypeMemory, EnvKey: "CLOUDKEY_TEST_REFRESH_TOKEN"},
		Provider: ProviderConfig{TokenURL: tokenURL},
		Refresh:  RefreshConfig{DaemonMinWait: 10 * time.Millisecond},
	}
	require.NoError(t, cfg.ApplyDefaults())
	return cfg
}

func TestAppServesRefreshedToken(t *testing.T) {
	var calls atomic.Int32
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if err := r.ParseForm(); err != nil || r.PostForm.Get("refresh_token") != "seeded-refresh" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"state":1,"code":0,"data":{"access_token":"fresh-access","refresh_token":"next-refresh","expires_in":7200}}`)
	}))
	defer provider.Close()

	t.Setenv("CLOUDKEY_TEST_REFRESH_TOKEN", "seeded-refresh")
	cfg := testConfig(t, provider.URL)

	application, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Start(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(int(cfg.Server.Port))

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   *int64 `json:"expires_at"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/token")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "fresh-access", body.AccessToken)
	assert.NotNil(t, body.ExpiresAt)
	assert.EqualValues(t, 1, calls.Load(), "daemon and caller share a single exchange")

	// The rotated refresh token is persisted and now shadows the environment seed.
	v, ok, err := application.components.Store.Get(context.Background(), tokenstore.KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "next-refresh", v)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not stop")
	}
}

func TestAppStartFailsOnBusyPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	cfg := testConfig(t, "http://127.0.0.1:1/token")
	cfg.Server.Port = uint16(l.Addr().(*net.TCPAddr).Port)

	application, err := New(context.Background(), cfg)
	require.NoError(t, err)

	err = application.Start(context.Background())
	assert.ErrorContains(t, err, "server startup failed")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/token")
	cfg.Storage.Type = "s3"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, "invalid configuration")
}

func TestNewSettingsStoreEnvSeed(t *testing.T) {
	t.Setenv("CLOUDKEY_TEST_SEED", "from-env")

	store, err := NewSettingsStore(context.Background(), StorageConfig{Type: StorageTypeMemory, EnvKey: "CLOUDKEY_TEST_SEED"})
	require.NoError(t, err)
	defer store.Close()

	v, ok, err := store.Get(context.Background(), tokenstore.KeyRefreshToken)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "from-env", v)

	_, ok, err = store.Get(context.Background(), tokenstore.KeyAccessToken)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewSettingsStoreFile(t *testing.T) {
	path := t.TempDir() + "/settings.json"
	store, err := NewSettingsStore(context.Background(), StorageConfig{Type: StorageTypeFile, File: path})
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(context.Background(), map[string]string{"k": "v"}))
	v, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}
