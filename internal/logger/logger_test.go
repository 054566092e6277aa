package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestDiscardWritesNothing(t *testing.T) {
	t.Parallel()
	log := Discard()
	if log.Enabled(slog.LevelError) {
		t.Fatal("discard logger should not enable any level")
	}
	log.Error("dropped", "key", "value")
}

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")
	log.Debug("also should not appear")
	if buf.Len() > 0 {
		t.Fatalf("expected no output below warn, got: %s", buf.String())
	}

	log.Warn("should appear", "key", "value")
	out := buf.String()
	if !strings.Contains(out, "should appear") || !strings.Contains(out, `"key":"value"`) {
		t.Fatalf("unexpected JSON output: %s", out)
	}
	if !log.Enabled(slog.LevelWarn) || log.Enabled(slog.LevelInfo) {
		t.Fatal("Enabled does not follow the handler level")
	}
}

func TestOpenFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{"json", `"msg":"hello"`},
		{"text", "msg=hello"},
		{"pretty", "hello"},
		{"", "hello"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		log, err := Open(&buf, "info", tc.format)
		if err != nil {
			t.Fatalf("Open(%q): %v", tc.format, err)
		}
		log.Info("hello")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("Open(%q) output %q missing %q", tc.format, buf.String(), tc.want)
		}
	}

	if _, err := Open(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestWithAndGroup(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo)
	log.With("component", "registry").WithGroup("pipe").Info("child", "binds", 2)

	out := buf.String()
	if !strings.Contains(out, `"component":"registry"`) {
		t.Fatalf("expected component attribute, got: %s", out)
	}
	if !strings.Contains(out, `"pipe":{"binds":2}`) {
		t.Fatalf("expected grouped attribute, got: %s", out)
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	ctx := WithContext(context.Background(), Text(&buf, slog.LevelInfo))
	FromContext(ctx).Info("roundtrip")
	if !strings.Contains(buf.String(), "roundtrip") {
		t.Fatalf("expected message via context logger, got: %s", buf.String())
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without logger returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}

func TestPrettyLayerTag(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug)
	log.Debug("dispatch", LayerKey, "softmax", "groups", "1x1x1")

	out := buf.String()
	if !strings.Contains(out, "[softmax] ") {
		t.Fatalf("expected layer tag, got: %s", out)
	}
	if strings.Contains(out, "layer=softmax") {
		t.Fatalf("layer attribute should not be repeated, got: %s", out)
	}
	if !strings.Contains(out, "groups=1x1x1") {
		t.Fatalf("expected groups attribute, got: %s", out)
	}
}

func TestPrettyLayerTagFromWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	Pretty(&buf, slog.LevelInfo).With(LayerKey, "padding").Info("loaded")
	if !strings.Contains(buf.String(), "[padding] loaded") {
		t.Fatalf("expected tag from With, got: %s", buf.String())
	}
}

func TestPrettyHandlerEnabled(t *testing.T) {
	t.Parallel()
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("expected info to be disabled at warn level")
	}
	if !h.Enabled(context.Background(), slog.LevelError) {
		t.Error("expected error to be enabled at warn level")
	}
}

func TestPrettyNestedGroups(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, nil)
	slog.New(h.WithGroup("a").WithGroup("b")).Info("nested", "key", "val")
	if !strings.Contains(buf.String(), "a.b.key=val") {
		t.Fatalf("expected 'a.b.key=val', got: %s", buf.String())
	}
	if h.WithGroup("") != slog.Handler(h) {
		t.Fatal("WithGroup(\"\") should return the same handler")
	}
}

func TestNeedsQuoting(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected bool
	}{
		{"simple", false},
		{"has space", true},
		{"has\ttab", true},
		{`has"quote`, true},
		{"", false},
	}
	for _, tc := range tests {
		if got := needsQuoting(tc.input); got != tc.expected {
			t.Errorf("needsQuoting(%q) = %v, want %v", tc.input, got, tc.expected)
		}
	}
}
