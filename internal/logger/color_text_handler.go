package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// ColorTextHandler wraps slog.TextHandler and prefixes each line with a
// colored level. The prefix is written straight to the output so the text
// handler never quotes the escape codes.
type ColorTextHandler struct {
	inner slog.Handler
	out   *colorOutput
}

// colorOutput is shared by a handler and everything derived from it.
type colorOutput struct {
	mu  sync.Mutex
	buf bytes.Buffer
	w   io.Writer
}

// NewColorTextHandler creates a new ColorTextHandler. The time attribute is
// dropped unless showTime is set.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	replace := o.ReplaceAttr
	o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			switch {
			case a.Key == slog.LevelKey:
				return slog.Attr{}
			case a.Key == slog.TimeKey && !showTime:
				return slog.Attr{}
			}
		}
		if replace != nil {
			return replace(groups, a)
		}
		return a
	}
	out := &colorOutput{w: w}
	return &ColorTextHandler{inner: slog.NewTextHandler(&out.buf, &o), out: out}
}

func (h *ColorTextHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()

	h.out.buf.Reset()
	h.out.buf.WriteString(levelColor(r.Level) + r.Level.String() + "\033[0m ")
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	_, err := h.out.w.Write(h.out.buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithAttrs(attrs), out: h.out}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{inner: h.inner.WithGroup(name), out: h.out}
}

func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "\033[36m" // Cyan
	case l < slog.LevelWarn:
		return "\033[32m" // Green
	case l < slog.LevelError:
		return "\033[33m" // Yellow
	default:
		return "\033[31m" // Red
	}
}
