package kafka

import (
	"context"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger forwards franz-go client logs to slog.
type kgoLogger struct {
	log   *slog.Logger
	level kgo.LogLevel
}

func newKgoLogger(log *slog.Logger, level slog.Level) kgoLogger {
	return kgoLogger{log: log.With(slog.String("component", "kgo")), level: toKgoLevel(level)}
}

// Translate slog levels to kgo levels. kgo has nothing finer than debug.
func toKgoLevel(level slog.Level) kgo.LogLevel {
	switch {
	case level <= slog.LevelDebug:
		return kgo.LogLevelDebug
	case level <= slog.LevelInfo:
		return kgo.LogLevelInfo
	case level <= slog.LevelWarn:
		return kgo.LogLevelWarn
	}
	return kgo.LogLevelError
}

func toSlogLevel(level kgo.LogLevel) slog.Level {
	switch level {
	case kgo.LogLevelDebug:
		return slog.LevelDebug
	case kgo.LogLevelInfo:
		return slog.LevelInfo
	case kgo.LogLevelWarn:
		return slog.LevelWarn
	}
	return slog.LevelError
}

func (l kgoLogger) Level() kgo.LogLevel { return l.level }

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	l.log.Log(context.Background(), toSlogLevel(level), msg, keyvals...)
}
