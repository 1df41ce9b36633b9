package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBPath          = "crucible.db"
	defaultMonitorTick     = 30 * time.Second
	defaultHistoryCapacity = 1000

	envListenAddr      = "CRUCIBLE_LISTEN_ADDR"
	envDBPath          = "CRUCIBLE_DB_PATH"
	envLogLevel        = "CRUCIBLE_LOG_LEVEL"
	envMonitorTick     = "CRUCIBLE_MONITOR_TICK"
	envHistoryCapacity = "CRUCIBLE_HISTORY_CAPACITY"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr      string
	DBPath          string
	LogLevel        slog.Level
	MonitorTick     time.Duration
	HistoryCapacity int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBPath:          defaultDBPath,
		LogLevel:        slog.LevelInfo,
		MonitorTick:     defaultMonitorTick,
		HistoryCapacity: defaultHistoryCapacity,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMonitorTick); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MonitorTick = d
		}
	}
	if v := os.Getenv(envHistoryCapacity); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryCapacity = n
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
