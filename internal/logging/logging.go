// Package logging wraps log/slog in a small custom handler: a mutex-
// guarded io.Writer, a fixed timestamp format, and a debug flag that also
// tees output to stderr.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handler is a slog.Handler writing timestamped, level-tagged lines to a
// single io.Writer under a mutex, optionally teeing to stderr.
type Handler struct {
	out   io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	debug bool
	attrs []slog.Attr
	group string
}

// NewHandler returns a Handler writing to out at the given minimum level.
func NewHandler(out io.Writer, level slog.Leveler, debug bool) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{out: out, mu: &sync.Mutex{}, level: level, debug: debug}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group += "." + name
	} else {
		next.group = name
	}
	return &next
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	formattedTime := r.Time.Format("2006/01/02 15:04:05")
	parts := []string{formattedTime, r.Level.String() + ":"}
	if h.group != "" {
		parts = append(parts, h.group+":")
	}
	parts = append(parts, r.Message)

	for _, a := range h.attrs {
		parts = append(parts, a.Key+"="+a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		parts = append(parts, a.Key+"="+a.Value.String())
		return true
	})

	line := strings.Join(parts, " ") + "\n"
	b := []byte(line)

	h.mu.Lock()
	defer h.mu.Unlock()

	var err error
	if h.out != nil {
		_, err = h.out.Write(b)
	}
	if h.debug {
		_, _ = os.Stderr.Write(b)
	}
	return err
}

// New returns an slog.Logger over a new Handler writing to out.
func New(out io.Writer, level slog.Leveler, debug bool) *slog.Logger {
	return slog.New(NewHandler(out, level, debug))
}
