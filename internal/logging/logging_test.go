package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantfeed/l2capture/internal/config"
)

func TestNewLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.log")

	logger := NewLogger(config.LoggingConfig{Level: "info", File: path})
	logger.Info("hello", "component", "test")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"hello"`) {
		t.Errorf("log file missing JSON record, got %q", string(data))
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.log")

	logger := NewLogger(config.LoggingConfig{Level: "warn", File: path})
	logger.Info("dropped")
	logger.Warn("kept")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "dropped") {
		t.Error("info record written at warn level")
	}
	if !strings.Contains(string(data), "kept") {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
		{"", "INFO"},
		{"bogus", "INFO"},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLevel(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNewLoggerNoOutputsFallsBack(t *testing.T) {
	// Must not panic or return nil without file and stdout.
	logger := NewLogger(config.LoggingConfig{})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	logger.Info("still alive")
}
