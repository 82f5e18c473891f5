package logger

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
)

// ColorTextHandler prefixes each record's message with an ANSI-colored level
// tag. Attribute and time formatting stay with the embedded TextHandler.
type ColorTextHandler struct {
	*slog.TextHandler
	showTime bool
}

// NewColorTextHandler wraps a TextHandler writing to w.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		showTime:    showTime,
	}
}

// levelColor picks the tag color by severity band, so custom levels between
// the standard ones still color sensibly.
func levelColor(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return ansiCyan
	case l < slog.LevelWarn:
		return ansiGreen
	case l < slog.LevelError:
		return ansiYellow
	default:
		return ansiRed
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	r.Message = levelColor(r.Level) + r.Level.String() + ansiReset + "  " + r.Message
	if !h.showTime {
		// A zero time makes the embedded TextHandler omit the time attribute.
		r.Time = time.Time{}
	}
	return h.TextHandler.Handle(ctx, r)
}
