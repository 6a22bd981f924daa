package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("run_id", "abc").Info("run finished", "samples", 2)

	out := buf.String()
	for _, want := range []string{`"msg":"run finished"`, `"run_id":"abc"`, `"samples":2`, `"level":"INFO"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in output, got: %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	for name, mk := range map[string]func(*bytes.Buffer) Logger{
		"json":   func(b *bytes.Buffer) Logger { return JSON(b, slog.LevelWarn) },
		"text":   func(b *bytes.Buffer) Logger { return Text(b, slog.LevelWarn) },
		"pretty": func(b *bytes.Buffer) Logger { return Pretty(b, slog.LevelWarn) },
	} {
		var buf bytes.Buffer
		log := mk(&buf)
		log.Info("hidden")
		log.Debug("hidden")
		if buf.Len() > 0 {
			t.Fatalf("%s: expected no output below warn, got: %s", name, buf.String())
		}
		log.Warn("shown")
		if !strings.Contains(buf.String(), "shown") {
			t.Fatalf("%s: expected warn message, got: %s", name, buf.String())
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard()
	log.Error("nothing")
	log.With("k", 1).WithGroup("g").Info("nothing")
}

func TestSetup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		format, level string
		debug         bool
		debugShown    bool
	}{
		{"pretty", "info", false, false},
		{"json", "debug", false, true},
		{"text", "error", true, true},
		{"", "warn", false, false},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Setup(&buf, tc.format, tc.level, tc.debug)
		if err != nil {
			t.Fatalf("Setup(%q): %v", tc.format, err)
		}
		log.Debug("dbg")
		if got := strings.Contains(buf.String(), "dbg"); got != tc.debugShown {
			t.Fatalf("Setup(%q, %q, %v): debug shown %v, want %v", tc.format, tc.level, tc.debug, got, tc.debugShown)
		}
	}
	if _, err := Setup(&bytes.Buffer{}, "xml", "info", false); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext with no logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"unknown": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrettyFormatting(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	log := slog.New(h.WithAttrs([]slog.Attr{slog.String("run_id", "r1")}).WithGroup("a").WithGroup("b"))
	log.Info("sampling",
		"prompt", "a red fox",
		"step", 3,
		"elapsed", 1500*time.Millisecond,
		"rate", 2.0/3.0,
	)

	out := buf.String()
	if strings.Contains(out, "\033[") {
		t.Fatalf("colors must be off for a buffer, got: %q", out)
	}
	for _, want := range []string{
		"INFO  sampling",
		"a.b.run_id=r1",
		`a.b.prompt="a red fox"`,
		"a.b.step=3",
		"a.b.elapsed=1.5s",
		"a.b.rate=0.6667",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestPrettyColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	h.SetColor(true)
	slog.New(h).Error("boom")
	if !strings.Contains(buf.String(), colorRed) {
		t.Fatalf("expected red error level, got: %q", buf.String())
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	ctx := context.Background()
	if h.Enabled(ctx, slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(ctx, slog.LevelWarn) || !h.Enabled(ctx, slog.LevelError) {
		t.Error("expected warn and error to be enabled at warn level")
	}
	if h.WithGroup("") != h {
		t.Error("WithGroup with an empty name should return the same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"simple":       false,
		"has space":    true,
		"has\ttab":     true,
		"has\nnewline": true,
		`has"quote`:    true,
		"":             false,
	}
	for in, want := range tests {
		if got := needsQuoting(in); got != want {
			t.Errorf("needsQuoting(%q) = %v, want %v", in, got, want)
		}
	}
}
