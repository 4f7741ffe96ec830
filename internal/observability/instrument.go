// Package observability sets up process-wide logging: a console handler on
// stderr and, optionally, export of the same records through the
// OpenTelemetry log SDK.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ServiceName identifies this process in exported records.
const ServiceName = "cloudkey"

// Format is the console log encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Exporter selects where log records are exported to.
type Exporter string

const (
	ExporterNone   Exporter = ""
	ExporterGRPC   Exporter = "grpc"
	ExporterHTTP   Exporter = "http"
	ExporterStdout Exporter = "stdout"
)

// Config controls Instrument.
type Config struct {
	Level  slog.Level
	Format Format
	Export ExportConfig
}

// ExportConfig controls OpenTelemetry log export. With an empty Endpoint the
// OTLP exporters fall back to the standard OTEL_EXPORTER_OTLP_* variables.
type ExportConfig struct {
	Exporter Exporter
	Endpoint string
	Insecure bool
	// Level is the minimum severity exported, independent of the console level.
	Level slog.Level
}

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// Instrument installs the default slog logger and the global OpenTelemetry
// logger provider. The returned function must be called before exit to
// flush pending records.
func Instrument(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	return instrument(ctx, cfg, os.Stderr)
}

func instrument(ctx context.Context, cfg Config, w io.Writer) (ShutdownFunc, error) {
	console, err := newConsoleHandler(w, cfg.Level, cfg.Format)
	if err != nil {
		return nil, err
	}

	if cfg.Export.Exporter == ExporterNone {
		slog.SetDefault(slog.New(console))
		return func(context.Context) error { return nil }, nil
	}

	processor, err := newProcessor(ctx, cfg.Export, w)
	if err != nil {
		return nil, err
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severity(cfg.Export.Level))),
		sdklog.WithResource(resource.NewSchemaless(attribute.String("service.name", ServiceName))),
	)
	global.SetLoggerProvider(provider)

	exported := otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(provider))
	logger := slog.New(newFanout(console, exported))
	slog.SetDefault(logger)

	// Export failures go to the console only, never back into the exporter.
	consoleLogger := slog.New(console)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		consoleLogger.Warn("log export failed", "error", err)
	}))

	return provider.Shutdown, nil
}

func newConsoleHandler(w io.Writer, level slog.Level, format Format) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: redact}
	switch format {
	case FormatText, "":
		return slog.NewTextHandler(w, opts), nil
	case FormatJSON:
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
}

func newProcessor(ctx context.Context, cfg ExportConfig, w io.Writer) (sdklog.Processor, error) {
	switch cfg.Exporter {
	case ExporterGRPC:
		var opts []otlploggrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlploggrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		exp, err := otlploggrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	case ExporterHTTP:
		var opts []otlploghttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlploghttp.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlploghttp.WithInsecure())
		}
		exp, err := otlploghttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP HTTP log exporter: %w", err)
		}
		return sdklog.NewBatchProcessor(exp), nil
	case ExporterStdout:
		exp, err := stdoutlog.New(stdoutlog.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout log exporter: %w", err)
		}
		return sdklog.NewSimpleProcessor(exp), nil
	default:
		return nil, fmt.Errorf("unsupported log exporter %q", cfg.Exporter)
	}
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(l slog.Level) minsev.Severity {
	switch {
	case l >= slog.LevelError:
		return minsev.SeverityError
	case l >= slog.LevelWarn:
		return minsev.SeverityWarn
	case l >= slog.LevelInfo:
		return minsev.SeverityInfo
	default:
		return minsev.SeverityDebug
	}
}
