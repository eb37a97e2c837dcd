// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/SteamRE/SteamKit-sub000/pkg/capture"
)

// Config is the top-level configuration for nethook.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"NETHOOK_LOG_LEVEL"`
	Hook      HookConfig      `yaml:"hook"`
	Engine    EngineConfig    `yaml:"engine"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Capture   CaptureConfig   `yaml:"capture"`
	Replay    ReplayConfig    `yaml:"replay"`
	Health    HealthConfig    `yaml:"health"`
	Exporters ExportersConfig `yaml:"exporters"`
}

type HookConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SocketPath  string `yaml:"socket_path"`
	StartPaused bool   `yaml:"start_paused"` // library passes traffic through until 'nethook capture resume'
	Workers     int    `yaml:"workers"`      // >1 gives up arrival ordering
}

// EngineConfig bounds the resources the reconstruction engine may use.
type EngineConfig struct {
	MaxMultiDepth        int           `yaml:"max_multi_depth"`
	MaxMultiBytes        int           `yaml:"max_multi_bytes"`
	MaxFragmentGroups    int           `yaml:"max_fragment_groups"`
	MaxFragmentsPerGroup uint32        `yaml:"max_fragments_per_group"`
	FragmentIdleTimeout  time.Duration `yaml:"fragment_idle_timeout"`
	JanitorInterval      time.Duration `yaml:"janitor_interval"`
}

type CryptoConfig struct {
	SessionKeyHex string `yaml:"session_key_hex"`
	HMACIV        bool   `yaml:"hmac_iv"`
}

// SessionKey decodes the configured key. It returns nil when none is set.
func (c *CryptoConfig) SessionKey() ([]byte, error) {
	if c.SessionKeyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(c.SessionKeyHex))
	if err != nil {
		return nil, fmt.Errorf("crypto.session_key_hex: %w", err)
	}
	return key, nil
}

type CaptureConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`
	Transcript bool   `yaml:"transcript"`
	Console    bool   `yaml:"console"`
	Filter     string `yaml:"filter"` // boolean expression over direction, emsg, name, size
}

type ReplayConfig struct {
	File        string `yaml:"file"`
	ServerPorts []int  `yaml:"server_ports"`
}

// Ports returns the server ports as uint16.
func (r *ReplayConfig) Ports() []uint16 {
	out := make([]uint16, 0, len(r.ServerPorts))
	for _, p := range r.ServerPorts {
		out = append(out, uint16(p))
	}
	return out
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr" env:"NETHOOK_HEALTH_ADDR"` // e.g. ":8686"
}

type ExportersConfig struct {
	OTLP    OTLPConfig    `yaml:"otlp"`
	Stdout  StdoutConfig  `yaml:"stdout"`
	Circuit CircuitConfig `yaml:"circuit"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression"` // "gzip" (default) or "none"
	Headers     map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CircuitConfig controls the per-exporter circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Hook: HookConfig{
			Enabled:    true,
			SocketPath: "/var/run/nethook/hook.sock",
			Workers:    1,
		},
		Engine: EngineConfig{
			MaxMultiDepth:        8,
			MaxMultiBytes:        32 << 20,
			MaxFragmentGroups:    1024,
			MaxFragmentsPerGroup: 4096,
			FragmentIdleTimeout:  30 * time.Second,
			JanitorInterval:      10 * time.Second,
		},
		Capture: CaptureConfig{
			Enabled:    true,
			Dir:        "nethook",
			Transcript: true,
		},
		Replay: ReplayConfig{
			ServerPorts: []int{27017},
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8686",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Circuit: CircuitConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
	}
}

// LoadDir loads per-concern YAML files from a directory and merges them
// into a single Config. Expected files:
//   - base.yaml    → log_level, hook, crypto, replay, health
//   - engine.yaml  → engine
//   - capture.yaml → capture
//   - export.yaml  → exporters
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "engine.yaml", "capture.yaml", "export.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// LoadPath loads path as a directory or a single file.
func LoadPath(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path)
	}
	return Load(path)
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads NETHOOK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"NETHOOK_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"NETHOOK_HOOK_SOCKET_PATH":        func(v string) { c.Hook.SocketPath = v },
		"NETHOOK_CRYPTO_SESSION_KEY_HEX":  func(v string) { c.Crypto.SessionKeyHex = v },
		"NETHOOK_CAPTURE_DIR":             func(v string) { c.Capture.Dir = v },
		"NETHOOK_CAPTURE_FILTER":          func(v string) { c.Capture.Filter = v },
		"NETHOOK_REPLAY_FILE":             func(v string) { c.Replay.File = v },
		"NETHOOK_HEALTH_ADDR":             func(v string) { c.Health.Addr = v },
		"NETHOOK_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
	}

	boolOverrides := map[string]*bool{
		"NETHOOK_HOOK_ENABLED":             &c.Hook.Enabled,
		"NETHOOK_HOOK_START_PAUSED":        &c.Hook.StartPaused,
		"NETHOOK_CRYPTO_HMAC_IV":           &c.Crypto.HMACIV,
		"NETHOOK_CAPTURE_ENABLED":          &c.Capture.Enabled,
		"NETHOOK_CAPTURE_CONSOLE":          &c.Capture.Console,
		"NETHOOK_HEALTH_ENABLED":           &c.Health.Enabled,
		"NETHOOK_EXPORTERS_OTLP_ENABLED":   &c.Exporters.OTLP.Enabled,
		"NETHOOK_EXPORTERS_STDOUT_ENABLED": &c.Exporters.Stdout.Enabled,
	}

	intOverrides := map[string]*int{
		"NETHOOK_HOOK_WORKERS":               &c.Hook.Workers,
		"NETHOOK_ENGINE_MAX_MULTI_DEPTH":     &c.Engine.MaxMultiDepth,
		"NETHOOK_ENGINE_MAX_FRAGMENT_GROUPS": &c.Engine.MaxFragmentGroups,
		"NETHOOK_ENGINE_MAX_MULTI_BYTES":     &c.Engine.MaxMultiBytes,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error")
	}

	if c.Hook.Enabled && c.Hook.SocketPath == "" {
		return fmt.Errorf("hook.socket_path is required when hook is enabled")
	}
	if c.Hook.Workers < 1 {
		return fmt.Errorf("hook.workers must be at least 1")
	}

	if c.Engine.MaxMultiDepth < 1 {
		return fmt.Errorf("engine.max_multi_depth must be positive")
	}
	if c.Engine.MaxMultiBytes <= 0 {
		return fmt.Errorf("engine.max_multi_bytes must be positive")
	}
	if c.Engine.MaxFragmentGroups < 1 || c.Engine.MaxFragmentsPerGroup < 1 {
		return fmt.Errorf("engine fragment limits must be positive")
	}
	if c.Engine.FragmentIdleTimeout < time.Second {
		return fmt.Errorf("engine.fragment_idle_timeout must be at least 1s")
	}

	if key, err := c.Crypto.SessionKey(); err != nil {
		return err
	} else if key != nil && len(key) != 32 {
		return fmt.Errorf("crypto.session_key_hex must encode 32 bytes, got %d", len(key))
	}

	if c.Capture.Enabled && c.Capture.Dir == "" {
		return fmt.Errorf("capture.dir is required when capture is enabled")
	}
	if _, err := capture.CompileFilter(c.Capture.Filter); err != nil {
		return fmt.Errorf("capture.filter: %w", err)
	}

	for _, p := range c.Replay.ServerPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("replay.server_ports: %d out of range", p)
		}
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}
	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}
	if c.Exporters.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("exporters.circuit.failure_threshold must be at least 1")
	}
	if c.Exporters.Circuit.ResetTimeout < time.Second {
		return fmt.Errorf("exporters.circuit.reset_timeout must be at least 1s")
	}

	return nil
}
