package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"slices"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":8080")
	}
	if cfg.DBPath != "anvil.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "anvil.db")
	}
	if cfg.Level() != slog.LevelInfo {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelInfo)
	}
	if cfg.OOBNetwork != "tcp" || cfg.OOBAddr != ":7070" {
		t.Errorf("oob = %s %s", cfg.OOBNetwork, cfg.OOBAddr)
	}
	if !slices.Equal(cfg.DaemonCmd, []string{"anvil", "daemon"}) {
		t.Errorf("DaemonCmd = %q", cfg.DaemonCmd)
	}
	if cfg.ReportTimeout != 60*time.Second {
		t.Errorf("ReportTimeout = %s", cfg.ReportTimeout)
	}
	if cfg.RedisAddr != "" || cfg.RedisChannel != "anvil.faults" {
		t.Errorf("redis = %q %q", cfg.RedisAddr, cfg.RedisChannel)
	}
}

func TestLoadFromEnv(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ANVIL_LISTEN_ADDR":    ":9090",
		"ANVIL_DB_PATH":        "/tmp/test.db",
		"ANVIL_LOG_LEVEL":      "debug",
		"ANVIL_OOB_NETWORK":    "unix",
		"ANVIL_OOB_ADDR":       "/run/anvil.sock",
		"ANVIL_DAEMON_CMD":     "/opt/anvil/bin/anvil daemon",
		"ANVIL_REPORT_TIMEOUT": "5s",
		"ANVIL_REDIS_ADDR":     "redis:6379",
	})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.Level() != slog.LevelDebug {
		t.Errorf("Level = %v, want %v", cfg.Level(), slog.LevelDebug)
	}
	if cfg.OOBNetwork != "unix" || cfg.OOBAddr != "/run/anvil.sock" {
		t.Errorf("oob = %s %s", cfg.OOBNetwork, cfg.OOBAddr)
	}
	if !slices.Equal(cfg.DaemonCmd, []string{"/opt/anvil/bin/anvil", "daemon"}) {
		t.Errorf("DaemonCmd = %q", cfg.DaemonCmd)
	}
	if cfg.ReportTimeout != 5*time.Second {
		t.Errorf("ReportTimeout = %s", cfg.ReportTimeout)
	}
	if cfg.RedisAddr != "redis:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
	}{
		{"bad network", map[string]string{"ANVIL_OOB_NETWORK": "udp"}},
		{"bad duration", map[string]string{"ANVIL_REPORT_TIMEOUT": "soon"}},
		{"zero timeout", map[string]string{"ANVIL_REPORT_TIMEOUT": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFrom(tt.environ); err == nil {
				t.Error("LoadFrom succeeded, want error")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := ParseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "job_id", "j1")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["job_id"] != "j1" {
		t.Errorf("job_id = %v, want %q", entry["job_id"], "j1")
	}
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %s", buf.String())
	}
}
