package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	cfg := config.Default()
	cfg.Log.File = filepath.Join(t.TempDir(), "logs", "server.log")

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Info("voice requested", slog.String("key", "abc"))
	closeLog()

	data, err := os.ReadFile(cfg.Log.File)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"voice requested"`) {
		t.Fatalf("expected JSON log line, got %q", data)
	}
}

func TestApplyFlagsRevalidatesPort(t *testing.T) {
	only := func(name string) func(string) bool {
		return func(f string) bool { return f == name }
	}
	for _, p := range []int{0, 70000} {
		cfg := config.Default()
		port = p
		if err := applyFlags(&cfg, only("port")); err == nil || !strings.Contains(err.Error(), "http.port") {
			t.Fatalf("port %d: expected http.port error, got %v", p, err)
		}
	}

	cfg := config.Default()
	port = 9090
	if err := applyFlags(&cfg, only("port")); err != nil {
		t.Fatalf("valid port rejected: %v", err)
	}
	if cfg.HTTP.Port != 9090 {
		t.Fatalf("expected port override, got %d", cfg.HTTP.Port)
	}

	cfg = config.Default()
	port = 0
	if err := applyFlags(&cfg, only("none")); err != nil {
		t.Fatalf("unset flags must not override: %v", err)
	}
}
