package app

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/alanyoungcy/expirybot/internal/config"
)

// ParseLevel maps a config level name to a slog level. Unknown names give
// info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the JSON process logger. When cfg.File is set, output is
// also written to a rotating file. The returned closer flushes the file.
func NewLogger(cfg config.LogConfig) (*slog.Logger, func()) {
	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rot)
		closer = func() { _ = rot.Close() }
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(cfg.Level),
	}))
	return logger, closer
}
