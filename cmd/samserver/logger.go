package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/samresearch/sam-server/internal/httpapi"
)

var logFormats = []string{"json", "text"}

func newLogger(level slog.Level, format string) (*slog.Logger, error) {
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("log format is not one of the supported values (%s): %s", strings.Join(logFormats, ", "), format)
	}

	return slog.New(newRequestContextHandler(handler)), nil
}

var _ slog.Handler = requestContextHandler{}

// requestContextHandler injects the remote IP and request ID that
// internal/httpapi stashes on each request's context into every log record
// written with that context (slog's *Context methods); records written
// without it carry neither value. Grounded in cmd/dex/logger.go.
type requestContextHandler struct {
	handler slog.Handler
}

func newRequestContextHandler(handler slog.Handler) slog.Handler {
	return requestContextHandler{handler: handler}
}

func (h requestContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h requestContextHandler) Handle(ctx context.Context, record slog.Record) error {
	if v, ok := ctx.Value(httpapi.RequestKeyRemoteIP).(string); ok {
		record.AddAttrs(slog.String("remote_ip", v))
	}
	if v, ok := ctx.Value(httpapi.RequestKeyRequestID).(string); ok {
		record.AddAttrs(slog.String("request_id", v))
	}
	return h.handler.Handle(ctx, record)
}

func (h requestContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return requestContextHandler{h.handler.WithAttrs(attrs)}
}

func (h requestContextHandler) WithGroup(name string) slog.Handler {
	return requestContextHandler{h.handler.WithGroup(name)}
}
