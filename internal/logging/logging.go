package logging

import (
	"log/slog"
	"os"
)

// Init installs the default logger. Production only shows errors.
func Init() {
	InitWithDefault(slog.LevelError)
}

// InitWithDefault installs a stderr text logger at the LOG_LEVEL level, or at
// def when LOG_LEVEL is unset or unknown.
func InitWithDefault(def slog.Level) {
	slog.SetDefault(slog.New(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: Level(def),
		}),
	))
}

// Level resolves LOG_LEVEL against a default.
func Level(def slog.Level) slog.Level {
	level := def

	if l, ok := os.LookupEnv("LOG_LEVEL"); ok {
		switch l {
		case "dev", "development", "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn", "warning":
			level = slog.LevelWarn
		case "error", "production", "prod":
			level = slog.LevelError
		}
	}

	return level
}
