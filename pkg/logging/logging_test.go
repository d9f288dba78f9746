package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if err := Setup(Options{Level: "loud"}); err == nil {
		t.Fatalf("Setup: expected error for unknown level")
	}
}

func TestForTagsComponent(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	if err := Setup(Options{Level: "info", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	For("router").Info("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"router"`) {
		t.Errorf("For: output %q missing component attribute", out)
	}
}
