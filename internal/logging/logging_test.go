package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mschirtzinger/todosync/internal/config"
)

func TestFactory_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "todo.log")
	f, err := New(config.LogConfig{File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	f.Logger("store").Printf("Synced %d item(s)", 2)
	f.Debug("feed").Printf("should be dropped")

	if err := f.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log: %v", err)
	}
	got := string(content)
	if !strings.Contains(got, "[store] ") || !strings.Contains(got, "Synced 2 item(s)") {
		t.Errorf("log missing entry:\n%s", got)
	}
	if strings.Contains(got, "should be dropped") {
		t.Errorf("debug output written with debug off:\n%s", got)
	}
}

func TestFactory_Debug(t *testing.T) {
	path := filepath.Join(t.TempDir(), "todo.log")
	f, err := New(config.LogConfig{File: path, Debug: true})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.Debug("feed").Printf("event received")
	_ = f.Close()

	content, _ := os.ReadFile(path)
	if !strings.Contains(string(content), "[feed] ") {
		t.Errorf("debug entry missing:\n%s", content)
	}
}

func TestFactory_StderrDefault(t *testing.T) {
	f, err := New(config.LogConfig{})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if f.Writer() != os.Stderr {
		t.Error("Expected stderr when no file is configured")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
