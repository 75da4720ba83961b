package observability_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bdobrica/drydock/common/trace"
	"github.com/bdobrica/drydock/internal/drydock/observability"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := observability.ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := observability.ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) succeeded")
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := observability.NewLogger(&buf, slog.LevelInfo, "json")
	log.Debug("hidden")
	log.Info("shown", "build_id", "b1")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug line written at info level")
	}
	if !strings.Contains(out, `"build_id":"b1"`) {
		t.Errorf("output = %q", out)
	}
}

func TestWithTrace(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(observability.NewLogger(&buf, slog.LevelInfo, "text"))
	defer slog.SetDefault(prev)

	ctx := trace.WithTraceID(context.Background(), "t_abc")
	observability.WithTrace(ctx).Info("hello")
	if !strings.Contains(buf.String(), "trace_id=t_abc") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestSafeEnv(t *testing.T) {
	got := observability.SafeEnv([]string{"DRYDOCK_REPO=org/app", "DRYDOCK_DEPLOYKEY=s3cr3t"})
	if got[0] != "DRYDOCK_REPO=org/app" || strings.Contains(got[1], "s3cr3t") {
		t.Errorf("SafeEnv = %q", got)
	}
}
