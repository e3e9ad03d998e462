// Package observability provides the context-carried logger, Prometheus
// metrics, and OpenTelemetry tracing helpers shared by the engine and its
// reference adapters.
package observability

import (
	"context"
	"log/slog"
	"os"
)

type loggerContextKey struct{}

type runIDContextKey struct{}

// NewLogger builds the process-wide slog.Logger. level is one of "debug",
// "info", "warn", "error"; unrecognised values fall back to "info". json
// selects JSON handler output (suitable for production) over a human
// text handler (suitable for local runs).
func NewLogger(level string, json bool) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if json {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(h)
}

// ContextWithLogger attaches a non-nil logger to the context so that
// per-transfer or per-run fields (run id, nonce, adapter name) ride along
// without threading a logger through every function signature.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in ctx, or the default slog
// logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// ContextWithRunID stores the engine run's correlation id in the context so
// that every log line emitted by that run (across goroutines launched for
// outstanding adapter calls) can be grouped together.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	if ctx == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runIDContextKey{}, runID)
}

// RunIDFromContext retrieves the run id from the context, or "" when none
// is present.
func RunIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(runIDContextKey{}); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
