package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mywio/hubrelay/pkg/config"
	"github.com/mywio/hubrelay/pkg/relay"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Bootstrap logger until the configured one exists.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := config.LoadDotEnv(os.Getenv("DOTENV_FILE")); err != nil {
		logger.Warn("Failed to load .env file", "error", err)
	}

	// Load Config
	cfgMapEnv := config.LoadConfigMapFromEnv()
	configPath := os.Getenv("CONFIG_FILE")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfgMapFile, err := config.LoadConfigFile(configPath)
	if err != nil {
		logger.Error("Failed to load config file", "path", configPath, "error", err)
		return 1
	}
	cfgMap := config.MergeConfigMap(cfgMapFile, cfgMapEnv)

	cfg, err := config.Load(cfgMap)
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 1
	}

	logger = newLogger(cfg.Core)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup, err := relay.New(ctx, cfg, relay.Options{
		Logger:     logger,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		ConfigMap:  cfgMap,
	})
	if err != nil {
		logger.Error("Failed to build relay", "error", err)
		return 1
	}

	if err := sup.Run(ctx); err != nil {
		logger.Error("Relay failed to start", "error", err)
		return 1
	}
	return 0
}

func newLogger(c config.CoreConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
