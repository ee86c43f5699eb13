package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/sessionrelay/internal/config"
	"github.com/nextlevelbuilder/sessionrelay/internal/gateway"
	"github.com/nextlevelbuilder/sessionrelay/internal/service"
	"github.com/nextlevelbuilder/sessionrelay/internal/telemetry"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: watcher, bots, search index and HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()

	// First run with no config and no env credentials: walk through setup
	// instead of starting a silent do-nothing daemon.
	if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) &&
		os.Getenv("SESSIONRELAY_TELEGRAM_TOKEN") == "" &&
		os.Getenv("SESSIONRELAY_SLACK_TOKEN") == "" {
		slog.Info("no configuration found, starting setup", "path", cfgPath)
		runOnboard()
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("telemetry setup failed", "error", err)
	}

	svc := service.New(cfg, cfgPath, Version)
	if err := svc.Start(ctx); err != nil {
		slog.Error("failed to start service", "error", err)
		os.Exit(1)
	}

	server := gateway.NewServer(cfg, svc, svc.Index(), svc.Broker())
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-serverDone:
		if err != nil {
			slog.Error("gateway failed", "error", err)
		}
	}

	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	svc.Stop(stopCtx)
	if shutdownTelemetry != nil {
		shutdownTelemetry(stopCtx)
	}
}
