// Gameplaner is a conversational assistant for games and gaming culture.
//
// It answers through an interactive terminal chat, one-shot questions,
// or an HTTP API. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]); without
// one, defaults apply and API keys come from the environment or .env.
//
// Usage:
//
//	gameplaner chat               Start an interactive chat
//	gameplaner ask <question>     Ask a single question
//	gameplaner serve              Start the API server
//	gameplaner version [-o json]  Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/nugget/game-planer/internal/api"
	"github.com/nugget/game-planer/internal/buildinfo"
	"github.com/nugget/game-planer/internal/config"
)

// main only builds the OS environment and hands off to [run], keeping
// os.Exit and the process stdio out of the code paths under test.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		stop()
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
}

// run is the real entry point. Structured logs go to stderr so that
// answers on stdout stay clean.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(stdin, stdout, stderr)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

func newRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "gameplaner",
		Short: "Game Planer, a chat assistant for games and gaming culture",
		Long: `Game Planer talks about games of every kind, from classic board games
to modern video games and esports, and the people who love them. It
remembers the last few exchanges of each session and can search the web
for current releases and news when tools are enabled.

Config search order:
  --config, ./config.yaml, ~/.config/gameplaner/config.yaml,
  /etc/gameplaner/config.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&g.configPath, "config", "", "path to config file (default: auto-discover)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: trace, debug, info, warn, error (overrides config)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "log format: text, json, pretty (overrides config)")

	root.AddCommand(
		newChatCmd(g),
		newAskCmd(g),
		newServeCmd(g),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVersion(cmd.OutOrStdout(), output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text", "":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func newAskCmd(g *globals) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(g, cmd.ErrOrStderr(), logDefaults{})
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			resp, err := a.loop.Run(cmd.Context(), sessionID, strings.Join(args, " "))
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Text)
			return nil
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "cli", "session identifier")
	return cmd
}

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup(g, cmd.ErrOrStderr(), logDefaults{})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}
}

// runServe starts the API server and blocks until ctx is cancelled,
// then drains in-flight requests.
func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting Game Planer",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"model", cfg.Agent.Model,
		"tools", cfg.Agent.Tools,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.loop, logger)
	srv.SetLedger(a.ledger)
	srv.SetEventBus(a.bus)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api server shutdown failed", "error", err)
	}
	return nil
}

// logDefaults are per-command logging defaults, used only when neither
// a flag nor the config file chose.
type logDefaults struct {
	level  string
	format config.LogFormat
}

// setup loads configuration, applies flag overrides, and builds the
// process logger.
func setup(g *globals, logOut io.Writer, defaults logDefaults) (*config.Config, *slog.Logger, error) {
	cfg, cfgPath, err := loadConfig(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case g.logLevel != "":
		cfg.LogLevel = g.logLevel
	case cfg.LogLevel == "" && defaults.level != "":
		cfg.LogLevel = defaults.level
	}
	switch {
	case g.logFormat != "":
		cfg.LogFormat = g.logFormat
	case cfgPath == "" && defaults.format != "":
		cfg.LogFormat = string(defaults.format)
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	// Validate has already vetted both values.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	format, _ := config.ParseLogFormat(cfg.LogFormat)
	logger := newLogger(logOut, level, format)

	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	} else {
		logger.Debug("no config file found, using defaults")
	}
	return cfg, logger, nil
}

// loadConfig reads .env, then locates and parses the YAML configuration.
// With no explicit path and nothing on the search path, defaults are
// returned along with an empty path.
func loadConfig(explicit string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, "", err
	}

	cfgPath, err := config.FindConfig(explicit)
	if errors.Is(err, config.ErrNoConfig) {
		return config.Default(), "", nil
	}
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// newLogger creates the process logger. Text and JSON use the slog
// handlers; pretty uses charmbracelet/log, which is itself a slog
// handler.
func newLogger(w io.Writer, level slog.Level, format config.LogFormat) *slog.Logger {
	if format == config.LogFormatPretty {
		h := charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      time.Kitchen,
		})
		styles := charmlog.DefaultStyles()
		styles.Levels[charmlog.Level(config.LevelTrace)] = lipgloss.NewStyle().
			SetString("TRAC").
			Bold(true).
			Foreground(lipgloss.Color("240"))
		h.SetStyles(styles)
		return slog.New(h)
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
