package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDBPath_DefaultsToBaseDir(t *testing.T) {
	t.Setenv("TASKHOST_DB_PATH", "")
	t.Setenv("TASKHOST_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.toml"))
	reloadConfig()

	path := DBPath()

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, ".taskhost", "history.db")
	if path != expected {
		t.Errorf("DBPath() = %q, want %q", path, expected)
	}
}

func TestDBPath_EnvVarOverridesDefault(t *testing.T) {
	t.Setenv("TASKHOST_DB_PATH", "/custom/path/test.db")

	if path := DBPath(); path != "/custom/path/test.db" {
		t.Errorf("DBPath() = %q, want %q", path, "/custom/path/test.db")
	}
}

func TestConfigFileOverridesDefault(t *testing.T) {
	t.Setenv("TASKHOST_WORKSPACE", "")
	t.Setenv("TASKHOST_PRELOAD", "")
	t.Setenv("TASKHOST_PRELOAD_PIPE_TIMEOUT", "")
	t.Setenv("TASKHOST_RUNTIME_DIR", "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	content := `workspace = "/srv/scripts"
runtime_dir = "/run/th"
preload = false
preload_pipe_timeout = "750ms"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKHOST_CONFIG_PATH", cfgPath)
	reloadConfig()
	defer func() {
		os.Unsetenv("TASKHOST_CONFIG_PATH")
		reloadConfig()
	}()

	if got := Workspace(); got != "/srv/scripts" {
		t.Errorf("Workspace() = %q, want /srv/scripts", got)
	}
	if got := ControlSocketPath("", 42); got != "/run/th/ctl-42.sock" {
		t.Errorf("ControlSocketPath(42) = %q", got)
	}
	if got := ControlSocketPath("/tmp/rt", 7); got != "/tmp/rt/ctl-7.sock" {
		t.Errorf("ControlSocketPath(/tmp/rt, 7) = %q", got)
	}
	if PreloadEnabled() {
		t.Error("PreloadEnabled() = true, want false from config file")
	}
	if got := PreloadPipeTimeout(); got != 750*time.Millisecond {
		t.Errorf("PreloadPipeTimeout() = %v, want 750ms", got)
	}
}

func TestEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(cfgPath, []byte(`workspace = "/from/file"`), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TASKHOST_CONFIG_PATH", cfgPath)
	t.Setenv("TASKHOST_WORKSPACE", "/from/env")
	reloadConfig()
	defer func() {
		os.Unsetenv("TASKHOST_CONFIG_PATH")
		reloadConfig()
	}()

	if got := Workspace(); got != "/from/env" {
		t.Errorf("Workspace() = %q, want /from/env", got)
	}
}

func TestDurations_InvalidFallsBackToDefault(t *testing.T) {
	t.Setenv("TASKHOST_HANDOFF_DRAIN_TIMEOUT", "soon")
	if got := HandoffDrainTimeout(); got != DefaultHandoffDrainTimeout {
		t.Errorf("HandoffDrainTimeout() = %v, want default", got)
	}
	t.Setenv("TASKHOST_RESULT_CONNECT_TIMEOUT", "-1s")
	if got := ResultConnectTimeout(); got != DefaultResultConnectTimeout {
		t.Errorf("ResultConnectTimeout() = %v, want default", got)
	}
}

func TestDebugLevel(t *testing.T) {
	tests := []struct {
		env  string
		want int
	}{
		{"", LogError},
		{"trace", LogTrace},
		{"debug", LogDebug},
		{"true", LogDebug},
		{"warn", LogWarn},
	}
	for _, tt := range tests {
		t.Setenv("TASKHOST_DEBUG", tt.env)
		if got := DebugLevel(); got != tt.want {
			t.Errorf("DebugLevel() with %q = %d, want %d", tt.env, got, tt.want)
		}
	}
}
