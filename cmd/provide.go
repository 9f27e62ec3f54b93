package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/webitel/event-stream-service/config"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel maps a config level name onto slog. Unknown names fall back to info.
func ParseLevel(s string) slog.Level {
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

// NewLogger builds the process logger writing to w at the level held by level.
func NewLogger(w io.Writer, level *slog.LevelVar, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h).With("service", ServiceName)
}

// ProvideLogger sets up the default logger. With log.file set output goes to a rotating file.
func ProvideLogger(lc fx.Lifecycle, cfg *config.Config) (*slog.Logger, *slog.LevelVar) {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Log.Level))

	var out io.Writer = os.Stdout
	if cfg.Log.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   true,
		}
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return rotating.Close() },
		})
		out = rotating
	}

	logger := NewLogger(out, level, cfg.Log.JSON)
	slog.SetDefault(logger)
	return logger, level
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger.With("component", "watermill"))
}

// WatchConfig hot-reloads the log level when the config file changes. Everything else
// needs a restart.
func WatchConfig(cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) {
	cfg.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("CONFIG_RELOAD_FAILED", "err", err)
			return
		}
		lvl := ParseLevel(next.Log.Level)
		if lvl == level.Level() {
			return
		}
		level.Set(lvl)
		logger.Info("LOG_LEVEL_CHANGED", "level", lvl.String())
	})
}
