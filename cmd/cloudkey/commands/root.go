package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/florianilch/cloudkey/internal/app"
	"github.com/florianilch/cloudkey/internal/observability"
)

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "cloudkey",
		Usage: "keeps a cloud drive OAuth access token fresh within the provider's refresh limits",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file with CLOUDKEY_* variables",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "storage--type",
				Usage: "settings backend (file|keyring|sqlite|postgres|redis|memory)",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			return ctx, loadEnvFile(cmd.String("env-file"))
		},
		Commands: []*cli.Command{
			startCommand(),
			tokenCommand(),
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "run the refresh daemon and the local API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server--host",
				Usage: "server host",
				Value: app.DefaultConfigServerHost,
			},
			&cli.IntFlag{
				Name:  "server--port",
				Usage: "server port",
				Value: int(app.DefaultConfigServerPort),
			},
			&cli.StringFlag{
				Name:  "upstream--base-url",
				Usage: "forward /upstream/... to this base URL with the access token attached",
			},
		},
		Action: startAction,
	}
}

func startAction(ctx context.Context, cmd *cli.Command) error {
	cfg, shutdown, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer flush(shutdown)

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	slog.InfoContext(ctx, "starting")

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("app failed to start: %w", err)
	}

	slog.InfoContext(ctx, "stopped gracefully")
	return nil
}

// setup loads the configuration and installs logging.
func setup(ctx context.Context, cmd *cli.Command) (*app.Config, observability.ShutdownFunc, error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	shutdown, err := observability.Instrument(ctx, observability.Config{
		Level:  cfg.LogLevel,
		Format: observability.Format(cfg.LogFormat),
		Export: observability.ExportConfig{
			Exporter: observability.Exporter(cfg.Telemetry.Exporter),
			Endpoint: cfg.Telemetry.Endpoint,
			Insecure: cfg.Telemetry.Insecure,
			Level:    cfg.Telemetry.Level,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up observability layer: %w", err)
	}

	return cfg, shutdown, nil
}

// flush stops log export, bounded so a dead collector cannot block exit.
func flush(shutdown observability.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), app.DefaultConfigShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "failed to flush logs:", err)
	}
}
