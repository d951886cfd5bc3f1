package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)
	defer SetLevel("INFO")

	SetLevel("WARN")
	if CurrentLevel() != LevelWarn {
		t.Fatalf("expected WARN, got %s", CurrentLevel())
	}

	Info("hidden %d", 1)
	Warn("shown %d", 2)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("INFO line logged at WARN level: %q", out)
	}
	if !strings.Contains(out, "shown 2") {
		t.Errorf("WARN line missing: %q", out)
	}

	SetLevel("bogus")
	if CurrentLevel() != LevelWarn {
		t.Errorf("unknown level changed the current level")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(os.Stdout)
	defer func() { _ = SetFormat("text") }()

	if err := SetFormat("json"); err != nil {
		t.Fatalf("SetFormat failed: %v", err)
	}
	WithFields(map[string]any{"lba": 100}).Info("flushed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "flushed" {
		t.Errorf("unexpected msg: %v", entry["msg"])
	}
	if entry["lba"] != float64(100) {
		t.Errorf("unexpected lba field: %v", entry["lba"])
	}

	if err := SetFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dittoblk.log")
	if err := SetOutput(path); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}
	Error("disk %s failed", "nvme0")
	if err := SetOutput("stdout"); err != nil {
		t.Fatalf("SetOutput failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "disk nvme0 failed") {
		t.Errorf("log file missing line: %q", data)
	}
}

func TestParseLevel(t *testing.T) {
	for _, name := range []string{"debug", "INFO", "Warn", "ERROR"} {
		if _, err := ParseLevel(name); err != nil {
			t.Errorf("ParseLevel(%q) failed: %v", name, err)
		}
	}
	if _, err := ParseLevel("trace"); err == nil {
		t.Error("expected error for unknown level")
	}
}
