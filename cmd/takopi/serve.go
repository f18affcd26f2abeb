package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/yee94/takopi/internal/bridge"
	"github.com/yee94/takopi/internal/config"
	"github.com/yee94/takopi/internal/engines"
	"github.com/yee94/takopi/internal/engines/claude"
	"github.com/yee94/takopi/internal/engines/codex"
	"github.com/yee94/takopi/internal/engines/opencode"
	"github.com/yee94/takopi/internal/observability"
	"github.com/yee94/takopi/internal/presenter"
	"github.com/yee94/takopi/internal/router"
	"github.com/yee94/takopi/internal/state"
	"github.com/yee94/takopi/internal/transport/telegram"
	"github.com/yee94/takopi/pkg/events"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bridge",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	logger.Info("starting takopi", "version", version, "commit", commit)

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			logger.Info("metrics endpoint listening", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	store, err := state.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	defer store.Close()

	entries := buildEntries(cfg, logger)
	for _, entry := range entries {
		if entry.Status == router.StatusOK {
			logger.Info("engine available", "engine", entry.Engine)
		} else {
			logger.Warn("engine unavailable", "engine", entry.Engine,
				"status", entry.Status, "issue", entry.Issue)
		}
	}

	rt, err := router.New(entries, cfg.DefaultEngine)
	if err != nil {
		return err
	}

	codecs := make(map[string]events.ResumeCodec, len(entries))
	for _, entry := range entries {
		if entry.Runner != nil {
			codecs[entry.Engine] = entry.Runner.Codec()
		}
	}
	md := presenter.NewMarkdown(codecs,
		presenter.WithAnswerPolicy(presenter.AnswerPolicy(cfg.Exec.AnswerPolicy)))

	adapter, err := telegram.NewAdapter(telegram.Config{
		Token:        cfg.Telegram.BotToken,
		AllowedUsers: cfg.Telegram.AllowedUsers,
		RateLimit:    cfg.RateLimit,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create telegram adapter: %w", err)
	}

	br, err := bridge.New(bridge.Config{
		Transport:   adapter,
		Router:      rt,
		Presenter:   md,
		State:       store,
		Projects:    cfg.Projects,
		FinalNotify: cfg.Exec.FinalNotify,
		EditEvery:   cfg.Exec.EditEvery,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start telegram adapter: %w", err)
	}

	err = br.Run(ctx, adapter.Updates())
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("shutting down")
	adapter.Close()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	return err
}

// buildEntries constructs a router entry per configured engine. A
// single lock registry is shared so a session is owned by at most one
// child process no matter which engine spawned it.
func buildEntries(cfg *config.Config, logger *slog.Logger) []*router.Entry {
	locks := engines.NewLockRegistry()
	entries := make([]*router.Entry, 0, len(cfg.Engines))

	for _, name := range engineNames(cfg) {
		ec := cfg.Engines[name]
		if !ec.IsEnabled() {
			continue
		}

		var backend engines.Backend
		switch name {
		case "codex":
			backend = codex.New(codex.WithBinary(ec.Binary), codex.WithExtraArgs(ec.ExtraArgs...))
		case "claude":
			backend = claude.New(claude.WithBinary(ec.Binary), claude.WithExtraArgs(ec.ExtraArgs...),
				claude.WithScrubEnv(ec.ScrubEnv...))
		case "opencode":
			backend = opencode.New(opencode.WithBinary(ec.Binary), opencode.WithExtraArgs(ec.ExtraArgs...))
		default:
			logger.Warn("unknown engine in config, skipping", "engine", name)
			continue
		}

		entry := &router.Entry{
			Engine: name,
			Runner: engines.NewJSONLRunner(backend, locks, engines.WithLogger(logger)),
			Status: router.StatusOK,
		}
		if issue := probeBinary(ec.Binary, name); issue != "" {
			entry.Status = router.StatusMissingCLI
			entry.Issue = issue
		}
		entries = append(entries, entry)
	}
	return entries
}

// probeBinary checks the engine's executable without running it.
// Returns an empty string when the binary is usable.
func probeBinary(binary, engine string) string {
	if binary == "" {
		binary = engine
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		if _, err := os.Stat(binary); err != nil {
			return fmt.Sprintf("%s: %v", binary, err)
		}
		return ""
	}
	if _, err := exec.LookPath(binary); err != nil {
		return fmt.Sprintf("%s not found on PATH", binary)
	}
	return ""
}

// engineNames returns the configured engines in a stable order:
// built-ins first, then any extras alphabetically.
func engineNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Engines))
	seen := make(map[string]bool, len(cfg.Engines))
	for _, name := range config.BuiltinEngines {
		if _, ok := cfg.Engines[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	extras := make([]string, 0)
	for name := range cfg.Engines {
		if !seen[name] {
			extras = append(extras, name)
		}
	}
	sort.Strings(extras)
	return append(names, extras...)
}

func buildEnginesCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "engines",
		Short: "List configured engines and whether their CLIs are installed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := resolveConfigPath(configPath)
			cfg, err := config.LoadFile(path)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return err
				}
				cfg = config.Default()
			}

			out := cmd.OutOrStdout()
			for _, name := range engineNames(cfg) {
				ec := cfg.Engines[name]
				switch {
				case !ec.IsEnabled():
					fmt.Fprintf(out, "%-10s disabled\n", name)
				default:
					if issue := probeBinary(ec.Binary, name); issue != "" {
						fmt.Fprintf(out, "%-10s missing    %s\n", name, issue)
					} else {
						fmt.Fprintf(out, "%-10s ok\n", name)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	return cmd
}
