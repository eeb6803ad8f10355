// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of an interpose runtime.
type Config struct {
	ServiceName string          `yaml:"service_name" env:"INTERPOSE_SERVICE_NAME"`
	LogLevel    string          `yaml:"log_level" env:"INTERPOSE_LOG_LEVEL"`
	Hook        HookConfig      `yaml:"hook"`
	Gateway     GatewayConfig   `yaml:"gateway"`
	Decision    DecisionConfig  `yaml:"decision"`
	Server      ServerConfig    `yaml:"server"`
	Exporters   ExportersConfig `yaml:"exporters"`
	Health      HealthConfig    `yaml:"health"`
	Redaction   RedactionConfig `yaml:"redaction"`
}

// HookConfig configures the resolver and startup instrumentation.
type HookConfig struct {
	PID        int               `yaml:"pid"`        // 0 = this process
	CacheSize  int               `yaml:"cache_size"` // parsed ELF symbol tables kept
	Signatures []SignatureConfig `yaml:"signatures"`
	Trace      []TraceConfig     `yaml:"trace"`
}

// SignatureConfig registers a prologue pattern for a symbol that has no
// symbol table or export entry.
type SignatureConfig struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"` // hex bytes, "??" wildcard
}

// TraceConfig attaches a listener to a bound gate at startup.
type TraceConfig struct {
	Target   string `yaml:"target"`   // gate name, suffix match
	Listener string `yaml:"listener"` // "count" or "log"
}

// GatewayConfig configures the request policy gateway.
type GatewayConfig struct {
	Enabled       *bool         `yaml:"enabled"` // main scope, default false
	Scopes        []ScopeConfig `yaml:"scopes"`
	ExtractBuffer int           `yaml:"extract_buffer"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// MainEnabled returns the main scope toggle. Defaults to false when not
// explicitly set.
func (g *GatewayConfig) MainEnabled() bool {
	if g.Enabled == nil {
		return false
	}
	return *g.Enabled
}

// ScopeConfig is a path-prefix scope. An unset Enabled inherits from the
// enclosing scope.
type ScopeConfig struct {
	Prefix  string        `yaml:"prefix"`
	Enabled *bool         `yaml:"enabled"`
	Scopes  []ScopeConfig `yaml:"scopes"`
}

// BreakerConfig configures the decision circuit breaker.
type BreakerConfig struct {
	Threshold    int           `yaml:"threshold"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DecisionConfig selects the routine installed on the decision gate.
type DecisionConfig struct {
	Engine string `yaml:"engine"` // "none", "lua", "wasm", "allow", "deny"
	Script string `yaml:"script"` // Lua source file
	Module string `yaml:"module"` // WebAssembly module file
}

// ServerConfig configures the host HTTP server run by the serve command.
type ServerConfig struct {
	Listen          string        `yaml:"listen" env:"INTERPOSE_SERVER_LISTEN"`
	Upstream        string        `yaml:"upstream"` // proxied origin; empty serves a static 200
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled  bool              `yaml:"enabled"`
	Endpoint string            `yaml:"endpoint"`
	Protocol string            `yaml:"protocol"` // "grpc"
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"INTERPOSE_HEALTH_PORT"` // e.g. ":8686"
}

// RedactionConfig configures PII redaction of logged request fields.
type RedactionConfig struct {
	Enabled bool            `yaml:"enabled"`
	Rules   []RedactionRule `yaml:"rules"`
}

// RedactionRule is a user-defined redaction pattern.
type RedactionRule struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
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
		ServiceName: "interpose",
		LogLevel:    "info",
		Hook: HookConfig{
			CacheSize: 256,
		},
		Gateway: GatewayConfig{
			ExtractBuffer: 512,
			Breaker: BreakerConfig{
				Threshold:    5,
				ResetTimeout: 30 * time.Second,
			},
		},
		Decision: DecisionConfig{
			Engine: "none",
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:  false,
				Endpoint: "localhost:4317",
				Protocol: "grpc",
				Insecure: true,
			},
			Stdout: StdoutConfig{
				Enabled: false,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: true,
			Port:    ":8686",
		},
		Redaction: RedactionConfig{
			Enabled: true,
		},
	}
}

// LoadDir loads YAML files from a directory and merges them into a single
// Config. Expected files:
//   - base.yaml     → service_name, log_level, hook, server, exporters, health
//   - gateway.yaml  → gateway
//   - decision.yaml → decision
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	for _, f := range []string{"base.yaml", "gateway.yaml", "decision.yaml"} {
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

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads INTERPOSE_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"INTERPOSE_SERVICE_NAME":            func(v string) { c.ServiceName = v },
		"INTERPOSE_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"INTERPOSE_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"INTERPOSE_SERVER_LISTEN":           func(v string) { c.Server.Listen = v },
		"INTERPOSE_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"INTERPOSE_DECISION_ENGINE":         func(v string) { c.Decision.Engine = v },
		"INTERPOSE_DECISION_SCRIPT":         func(v string) { c.Decision.Script = v },
		"INTERPOSE_DECISION_MODULE":         func(v string) { c.Decision.Module = v },
		"INTERPOSE_GATEWAY_ENABLED": func(v string) {
			b := parseBool(v)
			c.Gateway.Enabled = &b
		},
		"INTERPOSE_HOOK_PID": func(v string) {
			if pid, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				c.Hook.PID = pid
			}
		},
	}

	// Also handle boolean overrides
	boolOverrides := map[string]*bool{
		"INTERPOSE_HEALTH_ENABLED":    &c.Health.Enabled,
		"INTERPOSE_REDACTION_ENABLED": &c.Redaction.Enabled,
		"INTERPOSE_OTLP_ENABLED":      &c.Exporters.OTLP.Enabled,
		"INTERPOSE_STDOUT_ENABLED":    &c.Exporters.Stdout.Enabled,
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
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Decision.Engine {
	case "none", "allow", "deny":
	case "lua":
		if c.Decision.Script == "" {
			return fmt.Errorf("decision.script is required for the lua engine")
		}
	case "wasm":
		if c.Decision.Module == "" {
			return fmt.Errorf("decision.module is required for the wasm engine")
		}
	default:
		return fmt.Errorf("decision.engine must be one of none, allow, deny, lua, wasm")
	}

	if err := validateScopes("gateway.scopes", c.Gateway.Scopes); err != nil {
		return err
	}
	if c.Gateway.ExtractBuffer < 1 || c.Gateway.ExtractBuffer > 64*1024 {
		return fmt.Errorf("gateway.extract_buffer must be between 1 and 65536")
	}
	if c.Gateway.Breaker.Threshold < 1 {
		return fmt.Errorf("gateway.breaker.threshold must be positive")
	}

	for i, s := range c.Hook.Signatures {
		if s.Name == "" || s.Pattern == "" {
			return fmt.Errorf("hook.signatures[%d]: name and pattern are required", i)
		}
	}
	for i, tr := range c.Hook.Trace {
		if tr.Target == "" {
			return fmt.Errorf("hook.trace[%d]: target is required", i)
		}
		if tr.Listener != "count" && tr.Listener != "log" {
			return fmt.Errorf("hook.trace[%d]: listener must be 'count' or 'log'", i)
		}
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc'")
		}
	}

	return nil
}

func validateScopes(path string, scopes []ScopeConfig) error {
	for i, s := range scopes {
		p := fmt.Sprintf("%s[%d]", path, i)
		if !strings.HasPrefix(s.Prefix, "/") {
			return fmt.Errorf("%s.prefix must start with '/'", p)
		}
		if err := validateScopes(p+".scopes", s.Scopes); err != nil {
			return err
		}
	}
	return nil
}
