package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func resetLoggingState() {
	CloseAll()
	CloseAudit()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	workspace = ""
	configLoaded = false
	config = loggingConfig{}
	initOnce = sync.Once{}
	initErr = nil
	initialized = false
	auditLogger = nil
}

func TestAllCategoriesLog(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nexus_logging_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".nexus")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true,
				"eventbus": true,
				"policy": true,
				"action": true,
				"memory": true,
				"storage": true,
				"scout": true,
				"skills": true,
				"cafe": true,
				"proposal": true,
				"experiment": true,
				"verifier": true,
				"bandit": true,
				"loop": true,
				"scheduler": true,
				"debugger": true,
				"httpapi": true,
				"ratelimit": true
			}
		}
	}`
	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize logging: %v", err)
	}
	if !IsDebugMode() {
		t.Error("expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot, CategoryEventBus, CategoryPolicy, CategoryAction,
		CategoryMemory, CategoryStorage, CategoryScout, CategorySkills,
		CategoryCAFE, CategoryProposal, CategoryExperiment, CategoryVerifier,
		CategoryBandit, CategoryLoop, CategoryScheduler, CategoryDebugger,
		CategoryHTTPAPI, CategoryRateLimit,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("test info message for %s", cat)
		logger.Debug("test debug message for %s", cat)
		logger.Warn("test warn message for %s", cat)
		logger.Error("test error message for %s", cat)
	}

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".nexus", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("no log file found for category: %s", cat)
		}
	}
}

func TestDebugModeDisabled(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nexus_logging_test_disabled")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".nexus")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `{"logging": {"level": "debug", "debug_mode": false, "categories": {"boot": true, "action": true}}}`
	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize logging: %v", err)
	}
	if IsDebugMode() {
		t.Error("expected debug mode to be disabled (production mode)")
	}

	for _, cat := range []Category{CategoryBoot, CategoryAction, CategoryPolicy} {
		if IsCategoryEnabled(cat) {
			t.Errorf("category %s should be disabled when debug_mode=false", cat)
		}
	}

	Get(CategoryBoot).Info("this should NOT be logged")
	Get(CategoryAction).Error("this should NOT be logged")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".nexus", "logs")
	if _, err := os.Stat(logsPath); err == nil {
		entries, _ := os.ReadDir(logsPath)
		if len(entries) > 0 {
			t.Errorf("expected no log files in production mode, found %d", len(entries))
		}
	} else if !os.IsNotExist(err) {
		t.Fatalf("unexpected stat error: %v", err)
	}
}

func TestCategoryToggle(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nexus_logging_test_category")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".nexus")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true,
			"categories": {
				"boot": true,
				"action": true,
				"scout": false,
				"bandit": false
			}
		}
	}`
	configPath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	resetLoggingState()

	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryBoot) {
		t.Error("boot should be enabled")
	}
	if !IsCategoryEnabled(CategoryAction) {
		t.Error("action should be enabled")
	}
	if IsCategoryEnabled(CategoryScout) {
		t.Error("scout should be disabled")
	}
	if IsCategoryEnabled(CategoryBandit) {
		t.Error("bandit should be disabled")
	}
	if !IsCategoryEnabled(CategoryMemory) {
		t.Error("memory (not in config) should default to enabled")
	}

	Get(CategoryBoot).Info("this should be logged")
	Get(CategoryScout).Info("this should NOT be logged")
	Get(CategoryMemory).Info("this should be logged (default enabled)")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".nexus", "logs")
	entries, _ := os.ReadDir(logsPath)

	var hasBootLog, hasScoutLog bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "boot") {
			hasBootLog = true
		}
		if strings.Contains(e.Name(), "scout") {
			hasScoutLog = true
		}
	}
	if !hasBootLog {
		t.Error("expected boot log file")
	}
	if hasScoutLog {
		t.Error("should not have scout log file (disabled)")
	}
}

func TestTimerLogging(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nexus_logging_test_timer")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".nexus")
	os.MkdirAll(configDir, 0755)
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"logging": {"level": "debug", "debug_mode": true}}`), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}

	timer := StartTimer(CategoryScheduler, "test_operation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()
	if elapsed <= 0 {
		t.Error("timer should have recorded a non-zero duration")
	}

	CloseAll()
	CloseAudit()
}

func TestAuditTrail(t *testing.T) {
	tempDir, err := os.MkdirTemp("", "nexus_logging_test_audit")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	configDir := filepath.Join(tempDir, ".nexus")
	os.MkdirAll(configDir, 0755)
	os.WriteFile(filepath.Join(configDir, "config.json"), []byte(`{"logging": {"level": "info", "debug_mode": true}}`), 0644)

	resetLoggingState()
	if err := Initialize(tempDir); err != nil {
		t.Fatalf("failed to initialize: %v", err)
	}
	if err := InitAudit(); err != nil {
		t.Fatalf("failed to init audit: %v", err)
	}

	Audit().ActionDispatch("run_python", "workspace/script.py")
	Audit().ActionComplete("run_python", "workspace/script.py", 42, true, "")
	AuditWithCategory(CategoryPolicy).PolicyDecision("delete_file", false, "path escapes allowed roots")

	CloseAll()
	CloseAudit()

	logsPath := filepath.Join(tempDir, ".nexus", "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("failed to read logs dir: %v", err)
	}
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), "_audit.jsonl") {
			found = true
			content, err := os.ReadFile(filepath.Join(logsPath, e.Name()))
			if err != nil {
				t.Fatalf("failed to read audit log: %v", err)
			}
			lines := strings.Split(strings.TrimSpace(string(content)), "\n")
			if len(lines) != 3 {
				t.Errorf("expected 3 audit lines, got %d", len(lines))
			}
		}
	}
	if !found {
		t.Error("expected an audit log file")
	}
}
