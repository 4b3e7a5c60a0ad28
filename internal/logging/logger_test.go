package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCategoriesWriteFiles(t *testing.T) {
	tempDir := t.TempDir()

	err := Initialize(Options{
		Dir:       tempDir,
		DebugMode: true,
		Level:     "debug",
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Tasks("runner started with %d workers", 4)
	Store("opened database")
	AIError("model call failed: %v", os.ErrDeadlineExceeded)

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}

	found := map[string]bool{}
	for _, e := range entries {
		for _, cat := range []string{"tasks", "store", "ai", "boot"} {
			if strings.Contains(e.Name(), "_"+cat+".log") {
				found[cat] = true
			}
		}
	}
	for _, cat := range []string{"tasks", "store", "ai"} {
		if !found[cat] {
			t.Errorf("Expected log file for category %q", cat)
		}
	}
}

func TestDisabledModeIsNoOp(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(Options{Dir: tempDir, DebugMode: false}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Tasks("should not appear")

	entries, _ := os.ReadDir(tempDir)
	if len(entries) != 0 {
		t.Errorf("Expected no log files in disabled mode, got %d", len(entries))
	}
	if IsDebugMode() {
		t.Error("IsDebugMode should be false")
	}
}

func TestCategoryFilter(t *testing.T) {
	tempDir := t.TempDir()

	err := Initialize(Options{
		Dir:       tempDir,
		DebugMode: true,
		Level:     "debug",
		Categories: map[string]bool{
			"tasks": true,
			"ws":    false,
		},
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	if !IsCategoryEnabled(CategoryTasks) {
		t.Error("tasks category should be enabled")
	}
	if IsCategoryEnabled(CategoryWS) {
		t.Error("ws category should be disabled")
	}
	// Unlisted categories default to enabled
	if !IsCategoryEnabled(CategoryStore) {
		t.Error("store category should default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	tempDir := t.TempDir()

	err := Initialize(Options{
		Dir:       tempDir,
		DebugMode: true,
		Level:     "warn",
	})
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	l := Get(CategoryTasks)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")

	data, err := os.ReadFile(findLogFile(t, tempDir, "tasks"))
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	content := string(data)
	if strings.Contains(content, "debug line") || strings.Contains(content, "info line") {
		t.Error("Lines below warn level should be filtered")
	}
	if !strings.Contains(content, "warn line") {
		t.Error("Warn line should be present")
	}
}

func TestReconfigure(t *testing.T) {
	tempDir := t.TempDir()

	if err := Initialize(Options{Dir: tempDir, DebugMode: true, Level: "info"}); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer CloseAll()

	Reconfigure(Options{DebugMode: false})
	if IsDebugMode() {
		t.Error("Reconfigure should disable debug mode")
	}
}

func findLogFile(t *testing.T, dir, category string) string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), "_"+category+".log") {
			return filepath.Join(dir, e.Name())
		}
	}
	t.Fatalf("No log file for category %q", category)
	return ""
}
