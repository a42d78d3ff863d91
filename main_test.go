package main

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

// TestLoadConfig verifies that configuration is loaded correctly
func TestLoadConfig(t *testing.T) {
	// Create a temporary config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
capture:
  max_requests: 250

storage:
  backend: postgres
  dsn: "user=sink dbname=reqsink host=127.0.0.1 port=5432 sslmode=disable"

api:
  listen: "127.0.0.1:9999"

repeat:
  requests_per_second: 2
  burst: 4

inspection:
  enabled: true
  custom_rules_path: "/etc/reqsink/rules"

log:
  level: debug
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	// Load the configuration
	config, err := loadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify the loaded configuration
	if config.Capture.MaxRequests != 250 {
		t.Errorf("Expected max_requests 250, got %d", config.Capture.MaxRequests)
	}

	if config.Storage.Backend != "postgres" || !strings.Contains(config.Storage.DSN, "dbname=reqsink") {
		t.Errorf("Storage backend not configured correctly: %+v", config.Storage)
	}

	if config.API.Listen != "127.0.0.1:9999" {
		t.Errorf("Expected API listen '127.0.0.1:9999', got '%s'", config.API.Listen)
	}

	if config.Repeat.RequestsPerSecond != 2 || config.Repeat.Burst != 4 {
		t.Errorf("Repeat rate limit not configured correctly: %+v", config.Repeat)
	}

	if !config.Inspection.Enabled || config.Inspection.CustomRulesPath != "/etc/reqsink/rules" {
		t.Errorf("Inspection configuration not loaded correctly: %+v", config.Inspection)
	}

	if config.Log.Level != "debug" {
		t.Errorf("Expected log level 'debug', got '%s'", config.Log.Level)
	}
}

// TestLoadConfigPartial verifies that omitted sections keep their defaults
func TestLoadConfigPartial(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
capture:
  max_requests: 10
`

	err := os.WriteFile(configPath, []byte(configContent), 0644)
	if err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	config, err := loadConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if config.Capture.MaxRequests != 10 {
		t.Errorf("Expected max_requests 10, got %d", config.Capture.MaxRequests)
	}

	defaults := defaultConfig()
	if config.Storage.Backend != defaults.Storage.Backend {
		t.Errorf("Expected default storage backend '%s', got '%s'", defaults.Storage.Backend, config.Storage.Backend)
	}
	if config.API.Listen != defaults.API.Listen {
		t.Errorf("Expected default API listen '%s', got '%s'", defaults.API.Listen, config.API.Listen)
	}
	if config.Log.Level != defaults.Log.Level {
		t.Errorf("Expected default log level '%s', got '%s'", defaults.Log.Level, config.Log.Level)
	}
}

// TestParseLevel verifies level parsing and its default
func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		"info":    LevelInfo,
		"warn":    LevelWarn,
		"warning": LevelWarn,
		"INFO":    LevelInfo,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}

	for input, want := range cases {
		if got := ParseLevel(input); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

// TestLoggerFormat verifies the "<timestamp> - <message>" line format
func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Infof("hello %d", 42)

	line := buf.String()
	pattern := regexp.MustCompile(`^\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2} - hello 42\n$`)
	if !pattern.MatchString(line) {
		t.Errorf("Log line %q does not match '<timestamp> - <message>' format", line)
	}
}

// TestLoggerLevelGating verifies records below the threshold are dropped
func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Debugf("should be dropped")
	if buf.Len() != 0 {
		t.Errorf("Expected debug record to be dropped, got %q", buf.String())
	}

	logger.Warnf("should be kept")
	if !strings.Contains(buf.String(), "should be kept") {
		t.Errorf("Expected warn record to be kept, got %q", buf.String())
	}
}

// TestRateLimiter verifies that the rate limiter works correctly
func TestRateLimiter(t *testing.T) {
	// Create a rate limiter with 5 requests per second and a burst of 10
	limiter := NewRateLimiter(5, 10)

	// Initially, should allow burst number of requests
	for i := 0; i < 10; i++ {
		if !limiter.Allow() {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
	}

	// Next request should be denied (burst is used up)
	if limiter.Allow() {
		t.Errorf("Expected request to be denied after burst")
	}

	// Wait for tokens to refill (1 second should give us 5 more tokens)
	time.Sleep(1 * time.Second)

	// Should now allow 5 more requests
	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("Expected request %d to be allowed after refill", i+1)
		}
	}

	// Next request should be denied again
	if limiter.Allow() {
		t.Errorf("Expected request to be denied after refill")
	}
}
