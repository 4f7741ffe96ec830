package observability

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreDefaultLogger(t *testing.T) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
}

func TestInstrumentConsoleFormats(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{format: FormatText, want: "msg=hello"},
		{format: FormatJSON, want: `"msg":"hello"`},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			restoreDefaultLogger(t)
			var buf bytes.Buffer

			shutdown, err := instrument(context.Background(), Config{Level: slog.LevelInfo, Format: tt.format}, &buf)
			require.NoError(t, err)
			defer func() { require.NoError(t, shutdown(context.Background())) }()

			slog.Debug("hidden")
			slog.Info("hello")

			assert.Contains(t, buf.String(), tt.want)
			assert.NotContains(t, buf.String(), "hidden")
		})
	}
}

func TestInstrumentRejectsUnknownSettings(t *testing.T) {
	restoreDefaultLogger(t)

	_, err := instrument(context.Background(), Config{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = instrument(context.Background(), Config{Export: ExportConfig{Exporter: "kafka"}}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestInstrumentExportsAboveMinimumSeverity(t *testing.T) {
	restoreDefaultLogger(t)
	var buf bytes.Buffer

	cfg := Config{
		Level:  slog.LevelDebug,
		Format: FormatText,
		Export: ExportConfig{Exporter: ExporterStdout, Level: slog.LevelWarn},
	}
	shutdown, err := instrument(context.Background(), cfg, &buf)
	require.NoError(t, err)

	slog.Info("console-only")
	slog.Warn("both-sinks")
	require.NoError(t, shutdown(context.Background()))

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "console-only"), out)
	assert.Equal(t, 2, strings.Count(out, "both-sinks"), out)
	assert.Contains(t, out, ServiceName)
}

func TestRedactsSecrets(t *testing.T) {
	restoreDefaultLogger(t)
	var buf bytes.Buffer

	_, err := instrument(context.Background(), Config{Format: FormatJSON}, &buf)
	require.NoError(t, err)

	slog.Info("stored", "refresh_token", "r-secret", "accessToken", "a-secret", "token", "", "flight_id", "f1")

	out := buf.String()
	assert.NotContains(t, out, "r-secret")
	assert.NotContains(t, out, "a-secret")
	assert.Contains(t, out, redacted)
	assert.Contains(t, out, `"flight_id":"f1"`)
	assert.Contains(t, out, `"token":""`)
}
