package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rochaturbo/RochaTurbo/internal/app"
	"github.com/rochaturbo/RochaTurbo/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("RochaTurbo failed", "error", err)
		os.Exit(1)
	}
}

// rootOptions holds the global flags and the configuration resolved before any command runs.
type rootOptions struct {
	configFile string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "rochaturbo",
		Short:         "RochaTurbo WhatsApp assistant for fuel station managers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			initializeLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "optional YAML configuration file")

	cmd.AddCommand(
		newRoleCommand(opts, app.RoleServe, "Run the HTTP server (webhooks, internal jobs, health, metrics)", (*app.App).RunServer),
		newRoleCommand(opts, app.RoleWorker, "Run the queue workers", (*app.App).RunWorker),
		newRoleCommand(opts, app.RoleScheduler, "Run the cron scheduler of internal jobs", (*app.App).RunScheduler),
		newRoleCommand(opts, app.RoleAll, "Run server, workers and scheduler in one process", (*app.App).RunAll),
		newRedriveCommand(opts),
		newFlowsCommand(opts),
	)
	return cmd
}

// initializeLogger installs the default slog logger.
func initializeLogger(w io.Writer, level, format string) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, handlerOpts)
	} else {
		handler = slog.NewTextHandler(w, handlerOpts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newRoleCommand(opts *rootOptions, role, short string, run func(*app.App, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, opts.cfg, role)
			if err != nil {
				return fmt.Errorf("bootstrap %s: %w", role, err)
			}
			defer a.Close()

			slog.Info("RochaTurbo starting", "role", role, "environment", opts.cfg.Environment)
			if err := run(a, ctx); err != nil {
				return err
			}
			slog.Info("RochaTurbo exited successfully", "role", role)
			return nil
		},
	}
}
