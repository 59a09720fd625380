package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/romatekai/romatek-voice/internal/config"
	"github.com/romatekai/romatek-voice/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		traceStdout bool
	)

	flag.StringVar(&configPath, "config", "romatek.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&traceStdout, "trace-stdout", false, "Write spans to stdout when no OTLP endpoint is configured")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := runtime.NewLogger(os.Stdout, "info", true)

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := runtime.NewLogger(os.Stdout, cfg.Telemetry.LogLevel, true).
		With(slog.String("runtime", cfg.RuntimeName), slog.String("version", version))

	rt := runtime.New(cfg, logger)
	if traceStdout {
		rt.WithTraceOutput(os.Stdout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}
