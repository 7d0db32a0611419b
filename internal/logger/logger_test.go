package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestConsoleHandlerOutput(t *testing.T) {
	var buf bytes.Buffer
	log := Console(&buf, slog.LevelInfo)

	log.Info("client connected", "session", "abc", "engines", 2)

	out := buf.String()
	if !strings.Contains(out, "client connected") {
		t.Fatalf("message missing: %q", out)
	}
	if !strings.Contains(out, "session=abc") || !strings.Contains(out, "engines=2") {
		t.Fatalf("attrs missing: %q", out)
	}
}

func TestConsoleHandlerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := Console(&buf, slog.LevelWarn)

	log.Info("not shown")
	log.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "not shown") {
		t.Fatalf("info leaked through warn filter: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	log := Console(&buf, slog.LevelInfo).With("component", "server")
	log.Info("ready")
	if !strings.Contains(buf.String(), "component=server") {
		t.Fatalf("bound attr missing: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
