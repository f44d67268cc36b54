package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestInitWriter_JSON(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger, err := InitWriter(&buf, "warn", "json")
	if err != nil {
		t.Fatal(err)
	}

	logger.Info().Msg("hidden")
	logger.Warn().Str("account", "…b92266").Msg("attempt failed")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1 (info filtered):\n%s", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if ev["account"] != "…b92266" || ev["message"] != "attempt failed" {
		t.Errorf("event = %v", ev)
	}
	if _, ok := ev["time"]; !ok {
		t.Error("event should carry a timestamp")
	}
}

func TestInitWriter_Console(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.TraceLevel)

	var buf bytes.Buffer
	logger, err := InitWriter(&buf, "", "console")
	if err != nil {
		t.Fatal(err)
	}
	logger.Info().Int("attempt", 2).Msg("retrying")

	out := buf.String()
	if !strings.Contains(out, "retrying") || !strings.Contains(out, "attempt=2") {
		t.Errorf("console output = %q", out)
	}
}

func TestInitWriter_Invalid(t *testing.T) {
	if _, err := InitWriter(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Error("invalid level should fail")
	}
	if _, err := InitWriter(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("invalid format should fail")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}
