// Package config provides configuration management for the hookbridge service.
// It loads YAML configuration, applies defaults for absent keys and clamps
// invalid values so the running components never see a half-configured state.
package config

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the HTTP port used when none is configured.
const DefaultPort = 8080

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Server configures the HTTP bridge surface.
	Server ServerConfig `yaml:"server" json:"server"`

	// Logging configures log level and destination.
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Breaker configures the per-operation circuit breakers.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Cache configures the domain caches.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Hooks maps a hook type (e.g. "preToolUse") to its budget and execution policy.
	Hooks map[string]HookConfig `yaml:"hooks" json:"hooks"`

	// Performance configures baselines and targets used by the performance tracker.
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Personas configures persona activation scoring.
	Personas PersonaConfig `yaml:"personas" json:"personas"`

	// Collaboration configures multi-persona coordination.
	Collaboration CollaborationConfig `yaml:"collaboration" json:"collaboration"`

	// Gates configures the quality-gate plug-ins.
	Gates GatesConfig `yaml:"gates" json:"gates"`

	// Routing configures MCP server fallbacks.
	Routing RoutingConfig `yaml:"routing" json:"routing"`

	// Alerts configures the notification alert rules.
	Alerts AlertsConfig `yaml:"alerts" json:"alerts"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	// Host is the network host/interface on which the server binds.
	// Empty binds all interfaces.
	Host string `yaml:"host" json:"host"`
	// Port is the network port on which the server listens.
	Port int `yaml:"port" json:"port"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Debug     bool   `yaml:"debug" json:"debug"`
	ToFile    bool   `yaml:"to-file" json:"to-file"`
	Dir       string `yaml:"dir" json:"dir"`
	MaxSizeMB int    `yaml:"max-size-mb" json:"max-size-mb"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens a breaker.
	FailureThreshold int `yaml:"failure-threshold" json:"failure-threshold"`
	// RecoveryTimeoutMs is how long an open breaker waits before allowing a trial call.
	RecoveryTimeoutMs int64 `yaml:"recovery-timeout-ms" json:"recovery-timeout-ms"`
}

// RecoveryTimeout returns the recovery timeout as a duration.
func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutMs) * time.Millisecond
}

// CacheSizing bounds a single cache instance.
type CacheSizing struct {
	MaxSize int   `yaml:"max-size" json:"max-size"`
	TTLMs   int64 `yaml:"ttl-ms" json:"ttl-ms"`
}

// TTL returns the default entry TTL as a duration.
func (c CacheSizing) TTL() time.Duration {
	return time.Duration(c.TTLMs) * time.Millisecond
}

// CacheConfig holds the independently sized caches.
type CacheConfig struct {
	Semantic        CacheSizing `yaml:"semantic" json:"semantic"`
	LSP             CacheSizing `yaml:"lsp" json:"lsp"`
	HookResults     CacheSizing `yaml:"hook-results" json:"hook-results"`
	SweepIntervalMs int64       `yaml:"sweep-interval-ms" json:"sweep-interval-ms"`
}

// SweepInterval returns the background sweep interval as a duration.
func (c CacheConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}

// HookConfig holds the budget and execution policy for a single hook type.
type HookConfig struct {
	// MaxExecutionMs is the performance budget. Runs longer than 1.5x emit a warning.
	MaxExecutionMs int64 `yaml:"max-execution-ms" json:"max-execution-ms"`
	// OptimizationFactor is the target optimization factor for the hook.
	OptimizationFactor float64 `yaml:"optimization-factor" json:"optimization-factor"`
	// TimeoutMs bounds a single handler invocation.
	TimeoutMs int64 `yaml:"timeout-ms" json:"timeout-ms"`
	// Retries is the number of retries for retryable errors.
	Retries int `yaml:"retries" json:"retries"`
	// Cacheable enables result caching for the hook.
	Cacheable bool `yaml:"cacheable" json:"cacheable"`
	// CacheTTLMs is the TTL for cached results.
	CacheTTLMs int64 `yaml:"cache-ttl-ms" json:"cache-ttl-ms"`
}

// MaxExecution returns the budget as a duration.
func (h HookConfig) MaxExecution() time.Duration {
	return time.Duration(h.MaxExecutionMs) * time.Millisecond
}

// Timeout returns the handler timeout as a duration.
func (h HookConfig) Timeout() time.Duration {
	return time.Duration(h.TimeoutMs) * time.Millisecond
}

// CacheTTL returns the result cache TTL as a duration.
func (h HookConfig) CacheTTL() time.Duration {
	return time.Duration(h.CacheTTLMs) * time.Millisecond
}

// PerformanceTarget is the expected behaviour of a tracked operation.
type PerformanceTarget struct {
	TimeMs             float64 `yaml:"time-ms" json:"time-ms"`
	OptimizationFactor float64 `yaml:"optimization-factor" json:"optimization-factor"`
}

// PerformanceConfig configures the performance tracker.
type PerformanceConfig struct {
	// BaselinesMs maps an operation category prefix (e.g. "coord", "persona") to its reference time.
	BaselinesMs map[string]float64 `yaml:"baselines-ms" json:"baselines-ms"`
	// DefaultBaselineMs is used for operations without a matching category.
	DefaultBaselineMs float64 `yaml:"default-baseline-ms" json:"default-baseline-ms"`
	// Targets maps an operation name to its budget-compliance target.
	Targets map[string]PerformanceTarget `yaml:"targets" json:"targets"`
	// CleanupIntervalMs is the period of the background cleanup loop.
	CleanupIntervalMs int64 `yaml:"cleanup-interval-ms" json:"cleanup-interval-ms"`
	// WindowSeconds bounds how far back recent execution timestamps are kept.
	WindowSeconds int `yaml:"window-seconds" json:"window-seconds"`
	// MaxSamples bounds the recent execution ring buffer.
	MaxSamples int `yaml:"max-samples" json:"max-samples"`
	// TrackMemory records a heap snapshot when a timer starts.
	TrackMemory bool `yaml:"track-memory" json:"track-memory"`
}

// CleanupInterval returns the cleanup period as a duration.
func (p PerformanceConfig) CleanupInterval() time.Duration {
	return time.Duration(p.CleanupIntervalMs) * time.Millisecond
}

// CombinationRule suggests a persona combination when its condition holds.
// Conditions are expr-lang expressions evaluated against the context analysis.
type CombinationRule struct {
	Name      string   `yaml:"name" json:"name"`
	Condition string   `yaml:"condition" json:"condition"`
	Personas  []string `yaml:"personas" json:"personas"`
	Reason    string   `yaml:"reason" json:"reason"`
}

// PersonaConfig configures persona activation.
type PersonaConfig struct {
	// AutoActivationThreshold is the minimum confidence for auto-activation.
	AutoActivationThreshold float64 `yaml:"auto-activation-threshold" json:"auto-activation-threshold"`
	// AnalysisCacheTTLMs is how long context analyses are cached.
	AnalysisCacheTTLMs int64 `yaml:"analysis-cache-ttl-ms" json:"analysis-cache-ttl-ms"`
	// AnalysisCacheSize bounds the analysis cache.
	AnalysisCacheSize int `yaml:"analysis-cache-size" json:"analysis-cache-size"`
	// HistoryDB is the SQLite path for user persona preferences. Empty keeps history in memory.
	HistoryDB string `yaml:"history-db" json:"history-db"`
	// HistoryWindowDays is the decay window of a preference.
	HistoryWindowDays int `yaml:"history-window-days" json:"history-window-days"`
	// ProfilesDir holds optional per-persona YAML overrides.
	ProfilesDir string `yaml:"profiles-dir" json:"profiles-dir"`
	// CombinationRules extend the built-in collaboration triggers.
	CombinationRules []CombinationRule `yaml:"combination-rules" json:"combination-rules"`
}

// AnalysisCacheTTL returns the analysis cache TTL as a duration.
func (p PersonaConfig) AnalysisCacheTTL() time.Duration {
	return time.Duration(p.AnalysisCacheTTLMs) * time.Millisecond
}

// HistoryWindow returns the preference decay window as a duration.
func (p PersonaConfig) HistoryWindow() time.Duration {
	return time.Duration(p.HistoryWindowDays) * 24 * time.Hour
}

// CollaborationConfig configures multi-persona coordination.
type CollaborationConfig struct {
	// MinCompatibility is the compatibility at or below which expertise sharing is rejected.
	MinCompatibility float64 `yaml:"min-compatibility" json:"min-compatibility"`
	// MaxParallel bounds concurrently running personas in parallel mode.
	MaxParallel int `yaml:"max-parallel" json:"max-parallel"`
	// PreservationTarget is the monitored context preservation threshold for chains.
	PreservationTarget float64 `yaml:"preservation-target" json:"preservation-target"`
	// BehaviorCacheTTLMs is how long persona behavior results are cached.
	BehaviorCacheTTLMs int64 `yaml:"behavior-cache-ttl-ms" json:"behavior-cache-ttl-ms"`
}

// BehaviorCacheTTL returns the behavior cache TTL as a duration.
func (c CollaborationConfig) BehaviorCacheTTL() time.Duration {
	return time.Duration(c.BehaviorCacheTTLMs) * time.Millisecond
}

// GatesConfig configures quality gates.
type GatesConfig struct {
	// ScriptsDir holds Lua gate scripts (<name>.lua). Empty disables scripted gates.
	ScriptsDir string `yaml:"scripts-dir" json:"scripts-dir"`
	// TimeoutMs bounds a single gate validation.
	TimeoutMs int64 `yaml:"timeout-ms" json:"timeout-ms"`
	// Retries is the number of retries for retryable gate errors.
	Retries int `yaml:"retries" json:"retries"`
}

// Timeout returns the gate timeout as a duration.
func (g GatesConfig) Timeout() time.Duration {
	return time.Duration(g.TimeoutMs) * time.Millisecond
}

// RoutingConfig configures MCP server routing.
type RoutingConfig struct {
	// Fallbacks maps a primary server id to the server used while its breaker is open.
	Fallbacks map[string]string `yaml:"fallbacks" json:"fallbacks"`
}

// AlertsConfig configures alert rules evaluated against bus notifications.
type AlertsConfig struct {
	// RulesDir holds one YAML file per rule. Empty disables alerting.
	RulesDir string `yaml:"rules-dir" json:"rules-dir"`
	// Watch reloads the rules when files in RulesDir change.
	Watch bool `yaml:"watch" json:"watch"`
}

// DefaultHookConfigs returns the built-in budgets for every hook type.
func DefaultHookConfigs() map[string]HookConfig {
	return map[string]HookConfig{
		"preToolUse":   {MaxExecutionMs: 50, OptimizationFactor: 2.0, TimeoutMs: 2000, Retries: 1, Cacheable: true, CacheTTLMs: 300000},
		"postToolUse":  {MaxExecutionMs: 100, OptimizationFactor: 1.5, TimeoutMs: 2000, Retries: 1},
		"prePrompt":    {MaxExecutionMs: 25, OptimizationFactor: 2.0, TimeoutMs: 1000, Retries: 1},
		"postPrompt":   {MaxExecutionMs: 50, OptimizationFactor: 1.5, TimeoutMs: 1000, Retries: 1},
		"preCompact":   {MaxExecutionMs: 150, OptimizationFactor: 1.5, TimeoutMs: 3000, Retries: 1, Cacheable: true, CacheTTLMs: 600000},
		"stop":         {MaxExecutionMs: 100, OptimizationFactor: 1.0, TimeoutMs: 2000, Retries: 0},
		"subagentStop": {MaxExecutionMs: 100, OptimizationFactor: 1.0, TimeoutMs: 2000, Retries: 0},
	}
}

// DefaultFallbacks returns the built-in MCP server fallback table.
func DefaultFallbacks() map[string]string {
	return map[string]string{
		"sequential": "superclaude-intelligence",
		"magic":      "superclaude-ui",
		"context7":   "internal",
		"playwright": "internal",
	}
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	cfg.Server.Port = DefaultPort
	cfg.Logging.Dir = "logs"
	cfg.Logging.MaxSizeMB = 10

	cfg.Breaker.FailureThreshold = 5
	cfg.Breaker.RecoveryTimeoutMs = 30000

	cfg.Cache.Semantic = CacheSizing{MaxSize: 1000, TTLMs: 3600000}
	cfg.Cache.LSP = CacheSizing{MaxSize: 500, TTLMs: 1800000}
	cfg.Cache.HookResults = CacheSizing{MaxSize: 1000, TTLMs: 300000}
	cfg.Cache.SweepIntervalMs = 300000

	cfg.Hooks = DefaultHookConfigs()

	cfg.Performance.BaselinesMs = map[string]float64{
		"coord":   50,
		"hook":    50,
		"persona": 100,
		"collab":  200,
		"chain":   300,
		"gate":    100,
	}
	cfg.Performance.DefaultBaselineMs = 100
	cfg.Performance.Targets = map[string]PerformanceTarget{}
	cfg.Performance.CleanupIntervalMs = 60000
	cfg.Performance.WindowSeconds = 60
	cfg.Performance.MaxSamples = 1000

	cfg.Personas.AutoActivationThreshold = 0.7
	cfg.Personas.AnalysisCacheTTLMs = 300000
	cfg.Personas.AnalysisCacheSize = 500
	cfg.Personas.HistoryWindowDays = 30

	cfg.Collaboration.MinCompatibility = 0.6
	cfg.Collaboration.MaxParallel = 4
	cfg.Collaboration.PreservationTarget = 0.95
	cfg.Collaboration.BehaviorCacheTTLMs = 300000

	cfg.Gates.TimeoutMs = 500
	cfg.Gates.Retries = 1

	cfg.Routing.Fallbacks = DefaultFallbacks()
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults and sanitizes it.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but returns defaults when the
// file is missing and optional is true.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	// Set defaults before unmarshal so that absent keys keep defaults.
	cfg.applyDefaults()

	// Hook entries are merged per type so a partial override keeps the other defaults.
	defaults := cfg.Hooks
	cfg.Hooks = nil

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Each entry is decoded onto a copy of its default, so explicit zero
	// values such as `cacheable: false` or `retries: 0` are honoured.
	var raw struct {
		Hooks map[string]yaml.Node `yaml:"hooks"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	merged := make(map[string]HookConfig, len(defaults)+len(raw.Hooks))
	for name, hc := range defaults {
		merged[name] = hc
	}
	for name, node := range raw.Hooks {
		hc := merged[name]
		if err := node.Decode(&hc); err != nil {
			return nil, fmt.Errorf("failed to parse hook %s: %w", name, err)
		}
		merged[name] = hc
	}
	cfg.Hooks = merged

	cfg.Sanitize()
	return &cfg, nil
}

// Sanitize clamps invalid values back to usable defaults.
func (cfg *Config) Sanitize() {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 10
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeoutMs <= 0 {
		cfg.Breaker.RecoveryTimeoutMs = 30000
	}
	sanitizeSizing(&cfg.Cache.Semantic, 1000, 3600000)
	sanitizeSizing(&cfg.Cache.LSP, 500, 1800000)
	sanitizeSizing(&cfg.Cache.HookResults, 1000, 300000)
	if cfg.Cache.SweepIntervalMs <= 0 {
		cfg.Cache.SweepIntervalMs = 300000
	}
	cfg.SanitizeHooks()
	if cfg.Performance.DefaultBaselineMs <= 0 {
		cfg.Performance.DefaultBaselineMs = 100
	}
	if cfg.Performance.BaselinesMs == nil {
		cfg.Performance.BaselinesMs = map[string]float64{}
	}
	if cfg.Performance.Targets == nil {
		cfg.Performance.Targets = map[string]PerformanceTarget{}
	}
	if cfg.Performance.CleanupIntervalMs <= 0 {
		cfg.Performance.CleanupIntervalMs = 60000
	}
	if cfg.Performance.WindowSeconds <= 0 {
		cfg.Performance.WindowSeconds = 60
	}
	if cfg.Performance.MaxSamples <= 0 {
		cfg.Performance.MaxSamples = 1000
	}
	cfg.SanitizePersonas()
	if cfg.Collaboration.MinCompatibility < 0 || cfg.Collaboration.MinCompatibility > 1 {
		cfg.Collaboration.MinCompatibility = 0.6
	}
	if cfg.Collaboration.MaxParallel <= 0 {
		cfg.Collaboration.MaxParallel = 4
	}
	if cfg.Collaboration.PreservationTarget <= 0 || cfg.Collaboration.PreservationTarget > 1 {
		cfg.Collaboration.PreservationTarget = 0.95
	}
	if cfg.Collaboration.BehaviorCacheTTLMs <= 0 {
		cfg.Collaboration.BehaviorCacheTTLMs = 300000
	}
	if cfg.Gates.TimeoutMs <= 0 {
		cfg.Gates.TimeoutMs = 500
	}
	if cfg.Gates.Retries < 0 {
		cfg.Gates.Retries = 0
	}
	if cfg.Routing.Fallbacks == nil {
		cfg.Routing.Fallbacks = DefaultFallbacks()
	}
}

// SanitizeHooks fills missing budgets and drops negative values.
func (cfg *Config) SanitizeHooks() {
	if cfg.Hooks == nil {
		cfg.Hooks = DefaultHookConfigs()
		return
	}
	for name, hc := range cfg.Hooks {
		if hc.MaxExecutionMs <= 0 {
			hc.MaxExecutionMs = 100
		}
		if hc.OptimizationFactor <= 0 {
			hc.OptimizationFactor = 1.0
		}
		if hc.TimeoutMs <= 0 {
			hc.TimeoutMs = 2000
		}
		if hc.Retries < 0 {
			hc.Retries = 0
		}
		if hc.Cacheable && hc.CacheTTLMs <= 0 {
			hc.CacheTTLMs = cfg.Cache.HookResults.TTLMs
		}
		cfg.Hooks[name] = hc
	}
}

// SanitizePersonas clamps persona activation settings.
func (cfg *Config) SanitizePersonas() {
	p := &cfg.Personas
	if p.AutoActivationThreshold <= 0 || p.AutoActivationThreshold > 1 {
		p.AutoActivationThreshold = 0.7
	}
	if p.AnalysisCacheTTLMs <= 0 {
		p.AnalysisCacheTTLMs = 300000
	}
	if p.AnalysisCacheSize <= 0 {
		p.AnalysisCacheSize = 500
	}
	if p.HistoryWindowDays <= 0 {
		p.HistoryWindowDays = 30
	}
	valid := p.CombinationRules[:0]
	for _, rule := range p.CombinationRules {
		if rule.Condition == "" || len(rule.Personas) == 0 {
			continue
		}
		valid = append(valid, rule)
	}
	p.CombinationRules = valid
}

func sanitizeSizing(s *CacheSizing, maxSize int, ttlMs int64) {
	if s.MaxSize <= 0 {
		s.MaxSize = maxSize
	}
	if s.TTLMs <= 0 {
		s.TTLMs = ttlMs
	}
}

// Hook returns the configuration for a hook type, falling back to a generic budget.
func (cfg *Config) Hook(name string) HookConfig {
	if hc, ok := cfg.Hooks[name]; ok {
		return hc
	}
	return HookConfig{MaxExecutionMs: 100, OptimizationFactor: 1.0, TimeoutMs: 2000}
}
