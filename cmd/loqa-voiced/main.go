package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath  string
	port        int
	concurrency int
	logFile     string

	rootCmd = &cobra.Command{
		Use:           "loqa-voiced",
		Short:         "Cache and prefetch synthesized dialogue voices",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
)

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "loqa-voice.yaml", "path to configuration file")
	rootCmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides http.port)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "concurrent synthesis calls (overrides dispatcher.max_concurrent)")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "also write logs to this file (overrides log.file)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := applyFlags(&cfg, cmd.Flags().Changed); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runtime.New(cfg, logger).Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// applyFlags layers explicitly set flags over cfg and validates the result
// again, since Load only checked the file and environment values.
func applyFlags(cfg *config.Config, changed func(string) bool) error {
	if changed("port") {
		cfg.HTTP.Port = port
	}
	if changed("concurrency") {
		if concurrency <= 0 {
			return errors.New("--concurrency must be >= 1")
		}
		cfg.Dispatcher.Concurrency = concurrency
	}
	if changed("log-file") {
		cfg.Log.File = logFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	return nil
}

// newLogger writes JSON logs to stdout and, when configured, appends them to
// a file as well.
func newLogger(cfg config.Config) (*slog.Logger, func(), error) {
	var w io.Writer = os.Stdout
	closeFn := func() {}
	if cfg.Log.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)})
	return slog.New(handler), closeFn, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
