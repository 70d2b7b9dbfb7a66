package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chaz8081/swaplink/internal/config"
)

func TestOpenOutput(t *testing.T) {
	tests := []struct {
		output string
		want   *os.File
	}{
		{"stdout", os.Stdout},
		{"STDERR", os.Stderr},
		{"", os.Stderr},
	}
	for _, tt := range tests {
		w, closer, err := openOutput(tt.output)
		if err != nil {
			t.Fatalf("openOutput(%q): %v", tt.output, err)
		}
		if w != tt.want {
			t.Errorf("openOutput(%q) = %v, want %v", tt.output, w, tt.want)
		}
		_ = closer()
	}
}

func TestOpenOutputInvalidPath(t *testing.T) {
	if _, _, err := openOutput("/nonexistent/dir/log.txt"); err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestNewJSONFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swaplink.log")
	log, closer, err := New(config.LogConfig{Level: "info", Format: "json", Output: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	log.Debug("filtered")
	log.Info("[SCAN] Scanner opened", "type", "battery")
	if err := closer(); err != nil {
		t.Fatalf("closer: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "filtered") {
		t.Error("debug message should be filtered at info level")
	}
	var entry map[string]any
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, data)
	}
	if entry["msg"] != "[SCAN] Scanner opened" || entry["type"] != "battery" {
		t.Errorf("entry = %v", entry)
	}
}

func TestInstallSetsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	path := filepath.Join(t.TempDir(), "app.log")
	closer, err := Install(config.LogConfig{Level: "debug", Format: "text", Output: path})
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	slog.Debug("installed", "k", "v")
	_ = closer()

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "installed") {
		t.Errorf("log file = %q, want the debug line", data)
	}
}

func TestNewInvalidOutput(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "info", Output: "/nonexistent/dir/app.log"})
	if err == nil {
		t.Error("expected error for invalid output path")
	}
}
