package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func useConfigFile(t *testing.T, content string) {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RELAYD_CONFIG_PATH", configPath)
	reloadConfig()
	t.Cleanup(func() {
		os.Unsetenv("RELAYD_CONFIG_PATH")
		reloadConfig()
	})
}

func TestDBPath_DefaultsToRelaydDir(t *testing.T) {
	t.Setenv("RELAYD_DB_PATH", "")
	t.Setenv("RELAYD_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	reloadConfig()

	path := DBPath()

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".relayd", "relayd.db")
	if path != expected {
		t.Errorf("DBPath() = %q, want %q", path, expected)
	}
}

func TestDBPath_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("RELAYD_DB_PATH", "/custom/path/test.db")

	if path := DBPath(); path != "/custom/path/test.db" {
		t.Errorf("DBPath() = %q, want %q", path, "/custom/path/test.db")
	}
}

func TestConfigFile_OverridesDefaults(t *testing.T) {
	t.Setenv("RELAYD_LISTEN", "")
	t.Setenv("RELAYD_PERMISSION_TIMEOUT", "")
	t.Setenv("RELAY_DRAIN_TIMEOUT", "")
	useConfigFile(t, `
listen: 0.0.0.0:7000
db_path: /from/config/file.db
permission:
  timeout: 90s
  default_decision: allow
relay:
  worker_grace: 3s
worker:
  drain_timeout: 250ms
  checkpoint_compress: true
`)

	if err := Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if got := ListenAddr(); got != "0.0.0.0:7000" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := DBPath(); got != "/from/config/file.db" {
		t.Errorf("DBPath() = %q", got)
	}
	if got := PermissionTimeout(); got != 90*time.Second {
		t.Errorf("PermissionTimeout() = %v", got)
	}
	if got := DefaultDecision(); got != "allow" {
		t.Errorf("DefaultDecision() = %q", got)
	}
	if got := WorkerGrace(); got != 3*time.Second {
		t.Errorf("WorkerGrace() = %v", got)
	}
	timeouts := WorkerShutdownTimeouts()
	if timeouts.Drain != 250*time.Millisecond {
		t.Errorf("Drain timeout = %v", timeouts.Drain)
	}
	if timeouts.Notify != DefaultNotifyTimeout {
		t.Errorf("Notify timeout = %v, want default", timeouts.Notify)
	}
	if !CheckpointCompress() {
		t.Error("CheckpointCompress() should be true")
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	useConfigFile(t, "permission:\n  timeout: 90s\n")
	t.Setenv("RELAYD_PERMISSION_TIMEOUT", "2s")

	if got := PermissionTimeout(); got != 2*time.Second {
		t.Errorf("PermissionTimeout() = %v, want 2s", got)
	}
}

func TestInvalidEnvDurationFallsBack(t *testing.T) {
	useConfigFile(t, "relay:\n  worker_grace: 4s\n")
	t.Setenv("RELAYD_WORKER_GRACE", "soon")

	if got := WorkerGrace(); got != 4*time.Second {
		t.Errorf("WorkerGrace() = %v, want 4s", got)
	}
}

func TestMalformedConfigFileReportsError(t *testing.T) {
	useConfigFile(t, "listen: [unterminated\n")

	if Err() == nil {
		t.Error("Err() should report the parse failure")
	}
}

func TestDebugLevel(t *testing.T) {
	tests := []struct {
		env  string
		want int
	}{
		{"", LogError},
		{"warn", LogWarn},
		{"info", LogInfo},
		{"debug", LogDebug},
		{"1", LogDebug},
		{"trace", LogTrace},
	}
	for _, tt := range tests {
		t.Setenv("RELAYD_DEBUG", tt.env)
		if got := DebugLevel(); got != tt.want {
			t.Errorf("DebugLevel() with %q = %d, want %d", tt.env, got, tt.want)
		}
	}
}
