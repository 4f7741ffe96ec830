package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/florianilch/cloudkey/internal/app"
	"github.com/florianilch/cloudkey/internal/tokenmanager"
)

// maxSecretBytes bounds tokens read from stdin.
const maxSecretBytes = 64 << 10

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "inspect and edit the stored credential; works without a running daemon",
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show the credential state without revealing tokens",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Usage: "print as JSON"},
				},
				Action: withManager(tokenStatusAction),
			},
			{
				Name:   "get",
				Usage:  "print a valid access token, refreshing it first if needed",
				Action: withManager(tokenGetAction),
			},
			{
				Name:   "refresh",
				Usage:  "refresh now, subject to the refresh rate limit",
				Action: withManager(tokenRefreshAction),
			},
			{
				Name:      "set-refresh",
				Usage:     "store a new refresh token (read from the terminal or stdin when omitted)",
				ArgsUsage: "[token]",
				Action:    withManager(tokenSetRefreshAction),
			},
			{
				Name:      "set-access",
				Usage:     "store an access token obtained elsewhere",
				ArgsUsage: "[token]",
				Action:    withManager(tokenSetAccessAction),
			},
			{
				Name:      "auto-refresh",
				Usage:     "turn background refreshing on or off",
				ArgsUsage: "on|off",
				Action:    withManager(tokenAutoRefreshAction),
			},
			{
				Name:      "min-interval",
				Usage:     "set the minimum minutes between refreshes (60-120)",
				ArgsUsage: "<minutes>",
				Action:    withManager(tokenMinIntervalAction),
			},
		},
	}
}

type managerAction func(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error

// withManager opens the configured storage around fn.
func withManager(fn managerAction) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) (err error) {
		cfg, shutdown, err := setup(ctx, cmd)
		if err != nil {
			return err
		}
		defer flush(shutdown)

		components, err := app.Open(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := components.Close(); cerr != nil {
				err = errors.Join(err, fmt.Errorf("closing settings store: %w", cerr))
			}
		}()

		return fn(ctx, cmd, components.Manager)
	}
}

func tokenStatusAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	s, err := m.Summary(ctx)
	if err != nil {
		return err
	}

	w := cmd.Root().Writer
	if cmd.Bool("json") {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	printSummary(w, s)
	return nil
}

func printSummary(w io.Writer, s tokenmanager.Summary) {
	line := func(label, format string, args ...any) {
		fmt.Fprintf(w, "%-15s %s\n", label+":", fmt.Sprintf(format, args...))
	}

	line("state", "%s", s.State)
	if s.HasRefreshToken {
		line("refresh token", "%s", s.RefreshTokenStatus)
	} else {
		line("refresh token", "missing")
	}

	switch {
	case !s.HasAccessToken:
		line("access token", "missing")
	case s.ExpiresAtSec != nil:
		line("access token", "%s, expires %s", validity(s.AccessTokenValid), formatUnix(*s.ExpiresAtSec))
	default:
		line("access token", "%s", validity(s.AccessTokenValid))
	}

	line("auto refresh", "%s (min interval %dm, skew %ds)", onOff(s.AutoRefreshEnabled), s.MinRefreshIntervalMinutes, s.RefreshSkewSeconds)
	if s.NextRefreshDueSec != nil {
		line("next refresh", "%s", formatUnix(*s.NextRefreshDueSec))
	}
	line("rate limit", "%d/%d in window, next allowed %s",
		s.RateLimit.UsedInWindow, s.RateLimit.MaxPerWindow, formatUnix(s.RateLimit.NextAllowedAtSec))

	if s.LastError != "" {
		if s.LastErrorCode != nil {
			line("last error", "%s (code %d)", s.LastError, *s.LastErrorCode)
		} else {
			line("last error", "%s", s.LastError)
		}
	}
}

func tokenGetAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	token, err := m.GetValidAccessToken(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, token)
	return err
}

func tokenRefreshAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	if _, err := m.ManualRefresh(ctx); err != nil {
		return err
	}
	rec, err := m.Record(ctx)
	if err != nil {
		return err
	}
	if rec.ExpiresAt != nil {
		fmt.Fprintf(cmd.Root().Writer, "access token refreshed, expires %s\n", formatUnix(*rec.ExpiresAt))
	} else {
		fmt.Fprintln(cmd.Root().Writer, "access token refreshed")
	}
	return nil
}

func tokenSetRefreshAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	token, err := readSecret(cmd, "Refresh token")
	if err != nil {
		return err
	}
	if err := m.SetRefreshToken(ctx, token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, "refresh token stored")
	return nil
}

func tokenSetAccessAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	token, err := readSecret(cmd, "Access token")
	if err != nil {
		return err
	}
	if err := m.SetAccessToken(ctx, token); err != nil {
		return err
	}
	fmt.Fprintln(cmd.Root().Writer, "access token stored")
	return nil
}

func tokenAutoRefreshAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	var enabled bool
	switch strings.ToLower(cmd.Args().First()) {
	case "on", "true", "enable":
		enabled = true
	case "off", "false", "disable":
		enabled = false
	default:
		return fmt.Errorf("expected on or off, got %q", cmd.Args().First())
	}

	if err := m.SetAutoRefresh(ctx, enabled); err != nil {
		return err
	}
	fmt.Fprintf(cmd.Root().Writer, "auto refresh %s\n", onOff(enabled))
	return nil
}

func tokenMinIntervalAction(ctx context.Context, cmd *cli.Command, m *tokenmanager.Manager) error {
	minutes, err := strconv.Atoi(cmd.Args().First())
	if err != nil {
		return fmt.Errorf("expected minutes, got %q", cmd.Args().First())
	}

	applied, err := m.SetMinRefreshInterval(ctx, minutes)
	if err != nil {
		return err
	}
	if applied != minutes {
		fmt.Fprintf(cmd.Root().ErrWriter, "%d minutes is out of range, clamped\n", minutes)
	}
	fmt.Fprintf(cmd.Root().Writer, "minimum refresh interval %d minutes\n", applied)
	return nil
}

// readSecret takes the token from the first argument, a no-echo terminal
// prompt, or piped stdin, in that order.
func readSecret(cmd *cli.Command, label string) (string, error) {
	if cmd.Args().Present() {
		return nonEmpty(cmd.Args().First(), label)
	}

	var in io.Reader = os.Stdin
	if r := cmd.Root().Reader; r != nil {
		in = r
	}

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprintf(cmd.Root().ErrWriter, "%s: ", label)
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.Root().ErrWriter)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
		}
		return nonEmpty(string(b), label)
	}

	b, err := io.ReadAll(io.LimitReader(in, maxSecretBytes))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", strings.ToLower(label), err)
	}
	return nonEmpty(string(b), label)
}

func nonEmpty(s, label string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s must not be empty", strings.ToLower(label))
	}
	return s, nil
}

func formatUnix(sec int64) string {
	return time.Unix(sec, 0).UTC().Format(time.RFC3339)
}

func validity(valid bool) string {
	if valid {
		return "valid"
	}
	return "stale"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
