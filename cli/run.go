package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ecowatt/adapters/telemetryhttp"
	"ecowatt/agent"
)

// rebootExitCode tells the process supervisor to restart us.
const rebootExitCode = 86

func newRunCommand() *cobra.Command {
	var (
		configPath string
		jsonLogs   bool
		logLevel   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the telemetry agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := agent.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			base := buildLogger(jsonLogs, logLevel)

			a, err := agent.New(cfg, base)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := a.Start(ctx); err != nil {
				return err
			}

			var srv *http.Server
			if cfg.TelemetryListen != "" {
				srv = &http.Server{
					Addr:              cfg.TelemetryListen,
					Handler:           telemetryhttp.NewRouter(telemetryhttp.Options{Agent: a, IncludeProbes: true}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						base.Error("telemetry server failed", "err", err)
					}
				}()
			}

			rebooting := ""
			select {
			case <-ctx.Done():
			case rebooting = <-a.RebootRequested():
			}

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = srv.Shutdown(shutdownCtx)
				cancel()
			}
			if err := a.Stop(); err != nil {
				base.Error("shutdown error", "err", err)
			}
			if rebooting != "" {
				base.Info("exiting for reboot", "reason", rebooting)
				os.Exit(rebootExitCode)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "ecowatt.yaml", "Path to agent configuration")
	cmd.Flags().BoolVar(&jsonLogs, "log-json", false, "Emit JSON logs")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}

func buildLogger(jsonLogs bool, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
