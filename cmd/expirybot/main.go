// Command expirybot trades short-dated binary markets in the final minutes
// before expiry. It loads configuration, validates it, sets up signal
// handling and runs the application until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alanyoungcy/expirybot/internal/app"
	"github.com/alanyoungcy/expirybot/internal/config"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	derive := flag.Bool("derive-api-key", false, "print the CLOB API credentials for the configured wallet and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger, closeLog := app.NewLogger(cfg.Log)
	defer closeLog()
	slog.SetDefault(logger)

	if *derive {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		creds, err := app.DeriveCredentials(ctx, cfg)
		if err != nil {
			logger.Error("derive api key failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fmt.Printf("EXPIRYBOT_CREDENTIALS_API_KEY=%s\nEXPIRYBOT_CREDENTIALS_API_SECRET=%s\nEXPIRYBOT_CREDENTIALS_API_PASSPHRASE=%s\n",
			creds.Key, creds.Secret, creds.Passphrase)
		return
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("expirybot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		application.Close()
		closeLog()
		os.Exit(1)
	}

	logger.Info("expirybot stopped")
}
