// Package logging configures the process-wide slog handler and hands
// out component-scoped loggers.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent = "component"
	KeyView      = "view"
	KeySeq       = "seq"
	KeyState     = "state"
	KeyReason    = "reason"
	KeyError     = "error"
)

// switchableHandler lets loggers created at package init pick up the
// handler installed later by Init. Attrs and groups are recorded in
// the order they were added and replayed onto the current handler.
type switchableHandler struct {
	current *atomic.Value // slog.Handler
	ops     []handlerOp
}

// handlerOp is one WithAttrs (group empty) or WithGroup call.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

func (h *switchableHandler) materialize() slog.Handler {
	handler := h.current.Load().(slog.Handler)
	for _, op := range h.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
		} else {
			handler = handler.WithAttrs(op.attrs)
		}
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.current.Load().(slog.Handler).Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.materialize().Handle(ctx, record)
}

func (h *switchableHandler) with(op handlerOp) *switchableHandler {
	ops := make([]handlerOp, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)
	return &switchableHandler{current: h.current, ops: ops}
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: attrs})
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

var root = func() *switchableHandler {
	v := &atomic.Value{}
	v.Store(slog.Handler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
	return &switchableHandler{current: v}
}()

// Init installs the global handler. Call once after config is loaded.
// format is "json" or "text" (default); level is "debug", "info"
// (default), "warn" or "error". A nil output means os.Stderr.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	root.current.Store(h)
	slog.SetDefault(slog.New(root))
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(root).With(KeyComponent, component)
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(level string) slog.Level {
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
