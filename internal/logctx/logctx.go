package logctx

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type contextKey string

const loggerKey contextKey = "logger"

// tokenKey is the log attribute under which download tokens are logged.
// Its value is masked by NewLogger.
const tokenKey = "token"

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// NewLogger builds the JSON logger used by every binary: trace ids are
// injected from the active span and token values are masked.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: maskToken,
	})

	return slog.New(NewTraceHandler(h))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// MaskToken keeps the first four characters of a token so log lines can be
// matched against the audit log without exposing a usable credential.
func MaskToken(token string) string {
	const keep = 4
	if len(token) <= keep {
		return "***"
	}

	return token[:keep] + "***"
}

func maskToken(_ []string, a slog.Attr) slog.Attr {
	if a.Key == tokenKey && a.Value.Kind() == slog.KindString {
		return slog.String(tokenKey, MaskToken(a.Value.String()))
	}

	return a
}
