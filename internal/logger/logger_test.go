package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestJSONOutputAndFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("warn", "json", &buf)
	defer defaultLogger.Store(nil)

	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warn("loaded %d of %d", 3, 4)
	Error("failed: %s", "boom")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["level"] != "warn" || entry["message"] != "loaded 3 of 4" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("entry has no timestamp")
	}
}

func TestInfoFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("info", "json", &buf)
	defer defaultLogger.Store(nil)

	InfoFields("request", map[string]interface{}{"status": 200, "path": "/predict"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["path"] != "/predict" || entry["status"] != float64(200) {
		t.Errorf("unexpected entry: %v", entry)
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWriter("debug", "text", &buf)
	defer defaultLogger.Store(nil)

	Debug("hello %s", "world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Errorf("expected console output, got %q", buf.String())
	}
}

func TestUninitializedIsSilent(t *testing.T) {
	defaultLogger.Store(nil)
	Debug("x")
	Info("x")
	Warn("x")
	Error("x")
	InfoFields("x", nil)
}
