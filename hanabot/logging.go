package hanabot

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	loggerNameKey    = "logger"
	loggerContextKey = contextKey("logger")
)

type contextKey string

var defaultLogWriter io.Writer = os.Stdout

// newLogHandler returns the tint handler used by every component logger
func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// newComponentLogger returns a logger at the given level, tagged with
// the component name
func newComponentLogger(level slog.Leveler, name string) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which sends discordgo's log output to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// discordgoLogLevel maps a slog level to the closest discordgo log level
func discordgoLogLevel(lvl slog.Level) (int, error) {
	switch lvl {
	case slog.LevelDebug:
		return discordgo.LogDebug, nil
	case slog.LevelInfo:
		return discordgo.LogInformational, nil
	case slog.LevelWarn:
		return discordgo.LogWarning, nil
	case slog.LevelError:
		return discordgo.LogError, nil
	default:
		return discordgo.LogError, fmt.Errorf("invalid log level: %s", lvl)
	}
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	var ctxLogger *slog.Logger
	if logger == nil {
		ctxLogger = slog.Default()
	} else {
		ctxLogger = logger
	}
	return context.WithValue(ctx, loggerContextKey, ctxLogger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}

// contextLoggerOr returns the context logger, or fallback if the context
// doesn't carry one
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		if fallback == nil {
			return slog.Default()
		}
		return fallback
	}
	return logger
}
