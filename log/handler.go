package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const termTimeFormat = "01-02|15:04:05.000"

// DiscardHandler returns a handler that discards every record.
func DiscardHandler() slog.Handler {
	return &discardHandler{}
}

type discardHandler struct{}

func (h *discardHandler) Handle(_ context.Context, _ slog.Record) error { return nil }

func (h *discardHandler) Enabled(_ context.Context, _ slog.Level) bool { return false }

func (h *discardHandler) WithGroup(_ string) slog.Handler { return h }

func (h *discardHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }

// terminalHandler renders records as "LEVEL[time] msg key=val ..." lines.
type terminalHandler struct {
	mu    sync.Mutex
	wr    io.Writer
	lvl   slog.Level
	attrs []slog.Attr
}

// NewTerminalHandlerWithLevel returns a handler emitting human-readable
// records at or above the given level.
func NewTerminalHandlerWithLevel(wr io.Writer, lvl slog.Level, _ bool) slog.Handler {
	return &terminalHandler{wr: wr, lvl: lvl}
}

func (h *terminalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.lvl
}

func (h *terminalHandler) Handle(_ context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(LevelAlignedString(r.Level))
	sb.WriteByte('[')
	sb.WriteString(r.Time.Format(termTimeFormat))
	sb.WriteString("] ")
	sb.WriteString(r.Message)
	writeAttr := func(a slog.Attr) bool {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		sb.WriteByte('=')
		sb.WriteString(attrValue(a.Value))
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(writeAttr)
	sb.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.wr, sb.String())
	return err
}

func (h *terminalHandler) WithGroup(_ string) slog.Handler { return h }

func (h *terminalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &terminalHandler{wr: h.wr, lvl: h.lvl, attrs: merged}
}

func attrValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t") {
			return fmt.Sprintf("%q", s)
		}
		return s
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}
