package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"DEBUG", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"WARNING", zerolog.WarnLevel},
		{"ERROR", zerolog.ErrorLevel},
		{"", zerolog.WarnLevel},
		{"TRACE", zerolog.WarnLevel},
		{"info", zerolog.WarnLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.level); got != tt.want {
			t.Errorf("ParseLevel(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestLoggerLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	log := &Logger{zlog: zerolog.New(&buf).Level(ParseLevel("ERROR"))}

	log.Info("suppressed")
	log.Warnf("suppressed %d", 1)
	log.Error("kept")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Errorf("Below-threshold messages leaked: %q", out)
	}
	if !strings.Contains(out, "kept") {
		t.Errorf("Error message missing from output: %q", out)
	}
}

func TestLoggerFieldHelpers(t *testing.T) {
	var buf bytes.Buffer
	log := &Logger{zlog: zerolog.New(&buf)}

	log.WithRunID("r-1").WithFamily("backup").WithItemKey("backup/B1").Info("converging")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Log output is not JSON: %v", err)
	}
	if entry["run_id"] != "r-1" || entry["family"] != "backup" || entry["item_key"] != "backup/B1" {
		t.Errorf("Fields missing from entry: %v", entry)
	}
}

func TestFromContextRoundTrip(t *testing.T) {
	log, err := NewLogger(LoggingConfig{Level: "ERROR"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	ctx := log.WithContext(context.Background())
	if FromContext(ctx) != log {
		t.Error("Logger stored in the context must come back out")
	}
	if FromContext(context.Background()) == nil {
		t.Error("A bare context must still yield a usable logger")
	}
}
