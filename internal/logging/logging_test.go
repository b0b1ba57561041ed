package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Errorf("RequestID on empty context = %q, want empty", got)
	}
	ctx = WithRequestID(ctx, "req_abc123")
	if got := RequestID(ctx); got != "req_abc123" {
		t.Errorf("RequestID = %q, want req_abc123", got)
	}
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("empty context did not yield the default logger")
	}
	pinned := New("info", "text")
	ctx := WithLogger(context.Background(), pinned)
	if FromContext(ctx) != pinned {
		t.Error("pinned logger not returned")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"Debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"ERROR": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
