package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace": LevelTrace,
		"DEBUG": LevelDebug,
		"Info":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"crit":  LevelCrit,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatalf("expected error for bogus level")
	}
}

func TestTerminalHandler(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(NewTerminalHandlerWithLevel(&buf, LevelDebug, false))
	l.Info(JitMonitoring, "lowered block", "pc", 0x1000, "instrs", 7)
	out := buf.String()
	if !strings.Contains(out, "lowered block") || !strings.Contains(out, "instrs=7") {
		t.Fatalf("unexpected output: %q", out)
	}

	buf.Reset()
	l.Debug(JitMonitoring, "at level is kept")
	if !strings.Contains(buf.String(), "at level is kept") {
		t.Fatalf("debug record should pass a debug-level handler: %q", buf.String())
	}

	buf.Reset()
	l.Trace(JitMonitoring, "below level is dropped")
	if strings.Contains(buf.String(), "below level") {
		t.Fatalf("trace record should have been filtered: %q", buf.String())
	}
}

func TestModuleFilter(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(NewTerminalHandlerWithLevel(&buf, LevelTrace, false)))
	defer SetDefault(NewLogger(DiscardHandler()))

	DisableModule(SseMonitoring)
	Trace(SseMonitoring, "masked module")
	if buf.Len() != 0 {
		t.Fatalf("disabled module should not log: %q", buf.String())
	}

	EnableModule(SseMonitoring)
	Trace(SseMonitoring, "unmasked module")
	if !strings.Contains(buf.String(), "unmasked module") {
		t.Fatalf("enabled module should log: %q", buf.String())
	}
	DisableModule(SseMonitoring)
}
