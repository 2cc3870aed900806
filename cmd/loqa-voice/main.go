package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/fingerprint"
	"github.com/loqalabs/loqa-voice/internal/voiceclient"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	configPath string
	text       string
	output     string
	waitAck    bool
	verbose    bool
	cacheDir   string
	logFile    string

	rootCmd = &cobra.Command{
		Use:           "loqa-voice",
		Short:         "Play cached dialogue voices and request missing ones",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	speakCmd = &cobra.Command{
		Use:   "speak",
		Short: "Copy the cached voice for --text to --output, or request it",
		Long: "speak looks the line up in the shared cache. On a hit the audio is copied to --output " +
			"and the server is told about the hit. On a miss the server is asked to generate it " +
			"and the command exits 0 without audio.",
		Args: cobra.NoArgs,
		RunE: runSpeak,
	}

	fingerprintCmd = &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the cache key and artifact path for --text",
		Args:  cobra.NoArgs,
		RunE:  runFingerprint,
	}

	validateCmd = &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			fmt.Printf("config valid (params digest %s)\n", cfg.Provider.Params.Digest())
			return nil
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Ask the voice server for its queue and check parameter drift",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Println(version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "loqa-voice.yaml", "path to the configuration file shared with the server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also append logs to this file")

	speakCmd.Flags().StringVarP(&text, "text", "t", "", "dialogue line")
	speakCmd.Flags().StringVarP(&output, "output", "o", "", "where to write the audio on a hit")
	speakCmd.Flags().BoolVar(&waitAck, "wait-ack", false, "wait up to one second for the server to acknowledge a miss")
	speakCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "voice cache directory (overrides cache.dir)")
	_ = speakCmd.MarkFlagRequired("text")

	fingerprintCmd.Flags().StringVarP(&text, "text", "t", "", "dialogue line")
	_ = fingerprintCmd.MarkFlagRequired("text")

	rootCmd.AddCommand(speakCmd, fingerprintCmd, statusCmd, validateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newLogger logs text to stderr and, when path is set, appends the same
// lines to that file.
func newLogger(path string) (*slog.Logger, func(), error) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	var w io.Writer = os.Stderr
	closeFn := func() {}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFn, nil
}

// speakConfig loads the shared config and applies the speak overrides.
func speakConfig(changed func(string) bool) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if changed("cache-dir") {
		if cacheDir == "" {
			return cfg, errors.New("--cache-dir must not be empty")
		}
		dir, err := homedir.Expand(cacheDir)
		if err != nil {
			return cfg, fmt.Errorf("expand cache dir: %w", err)
		}
		cfg.Cache.Dir = dir
	}
	return cfg, nil
}

func runSpeak(cmd *cobra.Command, _ []string) error {
	cfg, err := speakConfig(cmd.Flags().Changed)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	// A missing server must not stop cached lines from playing.
	var pub voiceclient.Publisher
	conn, err := bus.Connect(ctx, clientBus(cfg.Bus), "loqa-voice", logger)
	if err != nil {
		logger.Warn("voice server unreachable", slog.String("error", err.Error()))
	} else {
		defer conn.Close()
		pub = conn
	}

	var ackTimeout time.Duration
	if waitAck {
		ackTimeout = time.Second
	}
	client := voiceclient.New(cfg.Cache.Dir, cfg.Provider.Params, pub, ackTimeout, logger)
	res, err := client.Speak(ctx, text, output)
	if errors.Is(err, voiceclient.ErrEmptyText) {
		return err
	}
	if res.Hit {
		if err != nil {
			logger.Warn("hit notification failed", slog.String("error", err.Error()))
		}
		fmt.Printf("hit %s %s\n", res.Key, res.Path)
		return nil
	}
	if err != nil {
		logger.Warn("generation request failed", slog.String("key", res.Key.Short()), slog.String("error", err.Error()))
	}
	status := "requested"
	if res.Ack != nil {
		status = res.Ack.Status
	}
	fmt.Printf("miss %s %s\n", res.Key, status)
	return nil
}

func runFingerprint(*cobra.Command, []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	params := cfg.Provider.Params
	key := fingerprint.Compute(text, params)
	fmt.Println(key)
	fmt.Println(fingerprint.Normalize(text))
	fmt.Println(filepath.Join(cfg.Cache.Dir, key.Filename(params.MediaType)))
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(logFile)
	if err != nil {
		return err
	}
	defer closeLog()
	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()

	conn, err := bus.Connect(ctx, clientBus(cfg.Bus), "loqa-voice", logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := voiceclient.New(cfg.Cache.Dir, cfg.Provider.Params, conn, 0, logger)
	info, err := client.ServerInfo(ctx)
	if err != nil && !errors.Is(err, voiceclient.ErrParamsDrift) {
		return err
	}
	q := info.Queue
	fmt.Printf("server %s (%s) provider=%s concurrency=%d\n", info.Name, info.ServerID, info.Provider, info.Concurrency)
	fmt.Printf("queued on_demand=%d prefetch=%d delayed=%d in_flight=%d completed=%d failed=%d\n",
		q.QueuedOnDemand, q.QueuedPrefetch, q.Delayed, q.InFlight, q.Completed, q.Failed)
	return err
}

// clientBus points the client at the server's embedded NATS when the shared
// config runs one.
func clientBus(cfg config.BusConfig) config.BusConfig {
	if cfg.Embedded {
		host := cfg.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		cfg.Servers = []string{fmt.Sprintf("nats://%s:%d", host, cfg.Port)}
	}
	return cfg
}
