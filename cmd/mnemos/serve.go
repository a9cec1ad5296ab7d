package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/mnemos/internal/config"
	"github.com/rendis/mnemos/internal/logging"
)

// shutdownTimeout bounds the final snapshot after a signal.
const shutdownTimeout = 5 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long: `Serve restores the last tuning snapshot, runs the configured boot steps
(flush_on_boot, ignite_autorun, pulse_autorun) and then serves MCP tools on
stdin/stdout until the client disconnects or the process is signaled.

Edits to the config file are picked up while running. log_level applies
immediately; other changes are logged and take effect on restart.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			return runServe(ctx, root)
		},
	}
}

func runServe(ctx context.Context, root *rootOptions) error {
	loader := config.NewLoader(root.bootstrapLogger())
	loaded, cfg, path := root.load(loader)

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewWithLevel(level, cfg.LogFormat, os.Stderr)
	ctx = logging.WithPID(ctx, os.Getpid())

	h, err := newHost(ctx, cfg, logger, hostDeps{})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := h.close(closeCtx); err != nil {
			logger.Warn("close failed", slog.String("error", err.Error()))
		}
	}()

	pid := pidPath(cfg.DataDir)
	if err := writePIDFile(pid); err != nil {
		logger.Warn("pid file not written", slog.String("path", pid), slog.String("error", err.Error()))
	} else {
		defer removePIDFile(pid)
	}

	if err := h.boot(ctx); err != nil {
		return err
	}

	watcher, err := config.NewLoader(logger).Watch(ctx, path, loaded, func(next config.Config, d config.Diff) {
		applyReload(ctx, logger, level, root.apply(next), d)
	})
	if err != nil {
		logger.Warn("config hot reload disabled", slog.String("path", path), slog.String("error", err.Error()))
	} else {
		defer watcher.Stop()
	}

	logger.InfoContext(ctx, "serving MCP on stdio", slog.String("config", path))
	if err := h.server().Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// applyReload applies the live-reloadable part of a config change.
func applyReload(ctx context.Context, logger *slog.Logger, level *slog.LevelVar, next config.Config, d config.Diff) {
	if d.LogLevelChanged() {
		level.Set(logging.ParseLevel(next.LogLevel))
		logger.InfoContext(ctx, "log level changed", slog.String("level", level.Level().String()))
	}
	if len(d.RestartNeeded) > 0 {
		logger.WarnContext(ctx, "config changed; restart to apply",
			slog.Any("fields", d.RestartNeeded))
	}
}
