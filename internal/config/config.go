// Package config loads runtime settings from an optional YAML file plus
// environment overrides. A missing or malformed file is never fatal; the hub
// falls back to built-in defaults and says so in the log.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the speech hub.
type Config struct {
	BindAddr         string
	WSPath           string
	StaticDir        string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	RelayPayloads    bool

	TTSEnabled         bool
	WorkerCmd          string
	WorkerArgs         []string
	WorkerDir          string
	DefaultTTL         time.Duration
	AutoInterruptAfter time.Duration

	GateMinIntervalPriority1    time.Duration
	GateGlobalWindow            time.Duration
	GateGlobalLimitLowPriority  int
	GateSessionWindow           time.Duration
	GateSessionLimitLowPriority int
	GateDedupeWindow            time.Duration
}

type fileConfig struct {
	SpeechGate struct {
		MinIntervalPriority1Ms  *int64 `yaml:"min_interval_priority1_ms"`
		GlobalWindowMs          *int64 `yaml:"global_window_ms"`
		GlobalLimitLowPriority  *int   `yaml:"global_limit_low_priority"`
		SessionWindowMs         *int64 `yaml:"session_window_ms"`
		SessionLimitLowPriority *int   `yaml:"session_limit_low_priority"`
		DedupeMsLowPriority     *int64 `yaml:"dedupe_ms_low_priority"`
	} `yaml:"speech_gate"`
	TTS struct {
		DefaultTTLMs         *int64 `yaml:"default_ttl_ms"`
		AutoInterruptAfterMs *int64 `yaml:"auto_interrupt_after_ms"`
	} `yaml:"tts"`
}

// Load reads the optional config file, then environment variables, applying
// safe defaults for everything left unset.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", "127.0.0.1:8765"),
		WSPath:           envOrDefault("APP_WS_PATH", "/ws"),
		StaticDir:        strings.TrimSpace(os.Getenv("APP_STATIC_DIR")),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "mouthpiece"),
		ShutdownTimeout:  15 * time.Second,
		RelayPayloads:    true,
		TTSEnabled:       true,
		WorkerCmd:        envOrDefault("TTS_WORKER_CMD", "uv"),
		WorkerDir:        strings.TrimSpace(os.Getenv("TTS_WORKER_DIR")),
		DefaultTTL:       60 * time.Second,

		GateGlobalLimitLowPriority:  3,
		GateSessionLimitLowPriority: 1,
		GateMinIntervalPriority1:    8 * time.Second,
		GateGlobalWindow:            60 * time.Second,
		GateSessionWindow:           60 * time.Second,
		GateDedupeWindow:            3 * time.Second,
	}
	cfg.WorkerArgs = splitArgs(envOrDefault("TTS_WORKER_ARGS", "run --project tts-worker python -m tts_worker"))

	applyFile(&cfg)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayPayloads, err = boolFromEnv("APP_RELAY_PAYLOADS", cfg.RelayPayloads)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSEnabled, err = boolFromEnv("TTS_ENABLED", cfg.TTSEnabled)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTTL, err = durationFromEnv("TTS_DEFAULT_TTL", cfg.DefaultTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoInterruptAfter, err = durationFromEnv("TTS_AUTO_INTERRUPT_AFTER", cfg.AutoInterruptAfter)
	if err != nil {
		return Config{}, err
	}
	cfg.GateGlobalLimitLowPriority, err = intFromEnv("GATE_GLOBAL_LIMIT_LOW_PRIORITY", cfg.GateGlobalLimitLowPriority)
	if err != nil {
		return Config{}, err
	}
	cfg.GateSessionLimitLowPriority, err = intFromEnv("GATE_SESSION_LIMIT_LOW_PRIORITY", cfg.GateSessionLimitLowPriority)
	if err != nil {
		return Config{}, err
	}

	if cfg.DefaultTTL < time.Millisecond {
		return Config{}, fmt.Errorf("TTS_DEFAULT_TTL must be at least 1ms")
	}
	if cfg.AutoInterruptAfter < 0 {
		return Config{}, fmt.Errorf("TTS_AUTO_INTERRUPT_AFTER must not be negative")
	}
	if cfg.GateGlobalLimitLowPriority < 1 {
		return Config{}, fmt.Errorf("GATE_GLOBAL_LIMIT_LOW_PRIORITY must be positive")
	}
	if cfg.GateSessionLimitLowPriority < 1 {
		return Config{}, fmt.Errorf("GATE_SESSION_LIMIT_LOW_PRIORITY must be positive")
	}
	if !strings.HasPrefix(cfg.WSPath, "/") {
		cfg.WSPath = "/" + cfg.WSPath
	}

	return cfg, nil
}

// applyFile layers the YAML config over the defaults. Env vars still win for
// the values they cover.
func applyFile(cfg *Config) {
	path := strings.TrimSpace(os.Getenv("APP_CONFIG_PATH"))
	if path == "" {
		path = "config.yaml"
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("config not found at %s; using built-in defaults", path)
		} else {
			log.Printf("failed to read config %s: %v", path, err)
		}
		return
	}

	var fc fileConfig
	if err := yaml.Unmarshal(content, &fc); err != nil {
		log.Printf("failed to parse config %s: %v", path, err)
		return
	}

	if v := fc.SpeechGate.MinIntervalPriority1Ms; v != nil && *v >= 0 {
		if *v == 0 {
			// Zero in the file means the rule is off; the gate takes
			// negative as disabled.
			cfg.GateMinIntervalPriority1 = -1
		} else {
			cfg.GateMinIntervalPriority1 = time.Duration(*v) * time.Millisecond
		}
	}
	if v := fc.SpeechGate.GlobalWindowMs; v != nil && *v >= 1 {
		cfg.GateGlobalWindow = time.Duration(*v) * time.Millisecond
	}
	if v := fc.SpeechGate.GlobalLimitLowPriority; v != nil && *v >= 1 {
		cfg.GateGlobalLimitLowPriority = *v
	}
	if v := fc.SpeechGate.SessionWindowMs; v != nil && *v >= 1 {
		cfg.GateSessionWindow = time.Duration(*v) * time.Millisecond
	}
	if v := fc.SpeechGate.SessionLimitLowPriority; v != nil && *v >= 1 {
		cfg.GateSessionLimitLowPriority = *v
	}
	if v := fc.SpeechGate.DedupeMsLowPriority; v != nil && *v >= 1 {
		cfg.GateDedupeWindow = time.Duration(*v) * time.Millisecond
	}
	if v := fc.TTS.DefaultTTLMs; v != nil && *v >= 1 {
		cfg.DefaultTTL = time.Duration(*v) * time.Millisecond
	}
	if v := fc.TTS.AutoInterruptAfterMs; v != nil && *v >= 0 {
		cfg.AutoInterruptAfter = time.Duration(*v) * time.Millisecond
	}

	log.Printf("loaded config %s", path)
}

func splitArgs(raw string) []string {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
