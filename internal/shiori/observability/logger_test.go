package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/Shiori/common/trace"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithTrace_AddsIDs(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "info", "json")

	ctx := trace.WithUserID(trace.WithTraceID(context.Background(), "t_abc"), "telegram:1001")
	WithTrace(ctx, base).Info("handled")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	if line["trace_id"] != "t_abc" || line["user_id"] != "telegram:1001" || line["msg"] != "handled" {
		t.Errorf("line = %v", line)
	}
}

func TestWithTrace_NoIDsReturnsBase(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "debug", "text")
	if got := WithTrace(context.Background(), base); got != base {
		t.Error("expected the base logger back when ctx carries no IDs")
	}
	base.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug line missing: %q", buf.String())
	}
}

func TestRedactSecrets(t *testing.T) {
	got := RedactSecrets("token=abcd1234 user=bob", "abcd1234")
	if got != "token=[REDACTED] user=bob" {
		t.Errorf("RedactSecrets = %q", got)
	}
}
