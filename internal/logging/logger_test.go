package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogger_DisabledIsSilent(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, false, true)

	logger.Debug("debug %d", 1)
	logger.Log("log")
	logger.Warning("warning")
	logger.Error("error")
	logger.Success("success")

	if buf.Len() != 0 {
		t.Errorf("Expected no output from a disabled logger, got %q", buf.String())
	}
}

func TestLogger_NilIsSilent(t *testing.T) {
	var logger *Logger

	// Must not panic
	logger.Debug("debug")
	logger.Warning("warning")
	logger.WithGroup("aggregator").Success("success")

	if logger.Enabled(LevelError) {
		t.Error("Expected nil logger to be disabled")
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, true, true).WithGroup("aggregator")

	logger.Debug("Record (%d) skipped", 3)
	logger.Warning("careful")
	logger.Error("broken")
	logger.Success("done")
	logger.Log("plain")

	output := buf.String()
	expected := []string{
		"Debug (aggregator): Record (3) skipped",
		"Warning: careful",
		"Error: broken",
		"Success: done",
		"plain",
	}
	for _, want := range expected {
		if !strings.Contains(output, want) {
			t.Errorf("Expected output to contain %q, got %q", want, output)
		}
	}
}

func TestLogger_DebugNeedsVerbose(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, true, false)

	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected debug to be hidden without verbose, got %q", buf.String())
	}

	logger.Warning("shown")
	if !strings.Contains(buf.String(), "Warning: shown") {
		t.Errorf("Expected warning to be written, got %q", buf.String())
	}
}

func TestIsInteractive_RegularFile(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out.log"))
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}
	defer f.Close()

	if IsInteractive(f) {
		t.Error("Expected a regular file not to be a terminal")
	}
	if IsInteractive(nil) {
		t.Error("Expected nil file not to be a terminal")
	}
}
