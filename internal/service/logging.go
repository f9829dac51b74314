package service

import (
	"context"
	"log/slog"

	"github.com/policyd/policyd/internal/ctxkey"
)

// withRequestLogger enriches base with connection/dialect fields and
// stores it in ctx under the shared ctxkey.LoggerKey, the same key the
// HTTP adapter's request-ID middleware uses, so any handler reached from
// route can recover a logger already tagged with the request it's
// servicing without threading an extra parameter through every call.
func withRequestLogger(ctx context.Context, base *slog.Logger, linkID, dialect string) context.Context {
	enriched := base.With(slog.String("link_id", linkID), slog.String("dialect", dialect))
	return context.WithValue(ctx, ctxkey.LoggerKey{}, enriched)
}

// loggerFromContext retrieves the logger withRequestLogger stored, falling
// back to base if ctx carries none.
func loggerFromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := ctx.Value(ctxkey.LoggerKey{}).(*slog.Logger); ok {
		return logger
	}
	return base
}
