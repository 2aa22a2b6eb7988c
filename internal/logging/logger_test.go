package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func reset() {
	CloseAll()
	setMu.Lock()
	settings = Settings{}
	logsDir = ""
	setMu.Unlock()
}

func TestDisabledModeIsNoOp(t *testing.T) {
	defer reset()
	ws := t.TempDir()
	if err := Initialize(ws, Settings{DebugMode: false}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryAGFS).Info("should not be written")

	if _, err := os.Stat(filepath.Join(ws, ".viking", "logs")); !os.IsNotExist(err) {
		t.Error("logs directory must not be created in production mode")
	}
}

func TestDebugModeWritesCategoryFile(t *testing.T) {
	defer reset()
	ws := t.TempDir()
	if err := Initialize(ws, Settings{DebugMode: true, Level: "debug"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	Get(CategoryVector).Info("upsert ok uri=%s", "viking://resources/doc")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(ws, ".viking", "logs"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "_vector.log") {
			found = true
			data, _ := os.ReadFile(filepath.Join(ws, ".viking", "logs", e.Name()))
			if !strings.Contains(string(data), "upsert ok") {
				t.Error("log line missing from category file")
			}
		}
	}
	if !found {
		t.Error("vector category log file not created")
	}
}

func TestCategoryFilter(t *testing.T) {
	defer reset()
	ws := t.TempDir()
	err := Initialize(ws, Settings{
		DebugMode:  true,
		Categories: map[string]bool{"parser": false},
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if IsCategoryEnabled(CategoryParser) {
		t.Error("parser category should be disabled")
	}
	if !IsCategoryEnabled(CategoryVector) {
		t.Error("unlisted categories default to enabled")
	}
}

func TestLevelFilter(t *testing.T) {
	defer reset()
	ws := t.TempDir()
	if err := Initialize(ws, Settings{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	l := Get(CategorySession)
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(ws, ".viking", "logs"))
	for _, e := range entries {
		if strings.Contains(e.Name(), "_session.log") {
			data, _ := os.ReadFile(filepath.Join(ws, ".viking", "logs", e.Name()))
			if strings.Contains(string(data), "dropped") {
				t.Error("messages below level must be filtered")
			}
			if !strings.Contains(string(data), "kept") {
				t.Error("warn message missing")
			}
		}
	}
}
