package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != "127.0.0.1:8765" {
		t.Fatalf("BindAddr = %q, want loopback default", cfg.BindAddr)
	}
	if cfg.WSPath != "/ws" {
		t.Fatalf("WSPath = %q, want /ws", cfg.WSPath)
	}
	if !cfg.RelayPayloads || !cfg.TTSEnabled {
		t.Fatalf("RelayPayloads=%v TTSEnabled=%v, want both true", cfg.RelayPayloads, cfg.TTSEnabled)
	}
	if cfg.DefaultTTL != 60*time.Second {
		t.Fatalf("DefaultTTL = %v, want 60s", cfg.DefaultTTL)
	}
	if cfg.AutoInterruptAfter != 0 {
		t.Fatalf("AutoInterruptAfter = %v, want disabled by default", cfg.AutoInterruptAfter)
	}
	if cfg.GateMinIntervalPriority1 != 8*time.Second || cfg.GateGlobalLimitLowPriority != 3 || cfg.GateSessionLimitLowPriority != 1 {
		t.Fatalf("gate defaults = %+v, want 8s/3/1", cfg)
	}
	if cfg.WorkerCmd != "uv" || len(cfg.WorkerArgs) == 0 {
		t.Fatalf("worker command = %q %v, want uv with default args", cfg.WorkerCmd, cfg.WorkerArgs)
	}
}

func TestLoadAppliesYAMLFile(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
speech_gate:
  min_interval_priority1_ms: 4000
  global_limit_low_priority: 5
  session_limit_low_priority: 2
  dedupe_ms_low_priority: 1500
tts:
  default_ttl_ms: 30000
  auto_interrupt_after_ms: 9000
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GateMinIntervalPriority1 != 4*time.Second {
		t.Fatalf("GateMinIntervalPriority1 = %v, want 4s", cfg.GateMinIntervalPriority1)
	}
	if cfg.GateGlobalLimitLowPriority != 5 || cfg.GateSessionLimitLowPriority != 2 {
		t.Fatalf("gate limits = %d/%d, want 5/2", cfg.GateGlobalLimitLowPriority, cfg.GateSessionLimitLowPriority)
	}
	if cfg.GateDedupeWindow != 1500*time.Millisecond {
		t.Fatalf("GateDedupeWindow = %v, want 1.5s", cfg.GateDedupeWindow)
	}
	if cfg.DefaultTTL != 30*time.Second {
		t.Fatalf("DefaultTTL = %v, want 30s", cfg.DefaultTTL)
	}
	if cfg.AutoInterruptAfter != 9*time.Second {
		t.Fatalf("AutoInterruptAfter = %v, want 9s", cfg.AutoInterruptAfter)
	}
}

func TestLoadZeroMinIntervalDisablesRule(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("speech_gate:\n  min_interval_priority1_ms: 0\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.GateMinIntervalPriority1 >= 0 {
		t.Fatalf("GateMinIntervalPriority1 = %v, want negative (rule disabled)", cfg.GateMinIntervalPriority1)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tts:\n  default_ttl_ms: 30000\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_PATH", path)
	t.Setenv("TTS_DEFAULT_TTL", "45s")
	t.Setenv("GATE_GLOBAL_LIMIT_LOW_PRIORITY", "7")
	t.Setenv("APP_RELAY_PAYLOADS", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DefaultTTL != 45*time.Second {
		t.Fatalf("DefaultTTL = %v, want env override 45s", cfg.DefaultTTL)
	}
	if cfg.GateGlobalLimitLowPriority != 7 {
		t.Fatalf("GateGlobalLimitLowPriority = %d, want 7", cfg.GateGlobalLimitLowPriority)
	}
	if cfg.RelayPayloads {
		t.Fatalf("RelayPayloads = true, want disabled by env")
	}
}

func TestLoadBrokenFileFallsBackToDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("speech_gate: ["), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	t.Setenv("APP_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v, want broken file tolerated", err)
	}
	if cfg.DefaultTTL != 60*time.Second {
		t.Fatalf("DefaultTTL = %v, want default after parse failure", cfg.DefaultTTL)
	}
}

func TestLoadValidatesValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{name: "bad duration", key: "TTS_DEFAULT_TTL", value: "soon"},
		{name: "negative auto interrupt", key: "TTS_AUTO_INTERRUPT_AFTER", value: "-1s"},
		{name: "zero global limit", key: "GATE_GLOBAL_LIMIT_LOW_PRIORITY", value: "0"},
		{name: "zero session limit", key: "GATE_SESSION_LIMIT_LOW_PRIORITY", value: "0"},
		{name: "bad bool", key: "TTS_ENABLED", value: "maybe"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() error = nil, want rejection for %s=%s", tc.key, tc.value)
			}
		})
	}
}

func TestLoadNormalizesWSPath(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_WS_PATH", "socket")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WSPath != "/socket" {
		t.Fatalf("WSPath = %q, want leading slash added", cfg.WSPath)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_WS_PATH",
		"APP_STATIC_DIR",
		"APP_METRICS_NAMESPACE",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_RELAY_PAYLOADS",
		"APP_CONFIG_PATH",
		"TTS_ENABLED",
		"TTS_WORKER_CMD",
		"TTS_WORKER_ARGS",
		"TTS_WORKER_DIR",
		"TTS_DEFAULT_TTL",
		"TTS_AUTO_INTERRUPT_AFTER",
		"GATE_GLOBAL_LIMIT_LOW_PRIORITY",
		"GATE_SESSION_LIMIT_LOW_PRIORITY",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
	// Keep the default config.yaml lookup away from any real file in the
	// working directory.
	t.Setenv("APP_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}
