package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pario-ai/llmgate/pkg/backend"
	"github.com/pario-ai/llmgate/pkg/gwerr"
)

// Backend ids accepted under backends and in multi provider blocks.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
	BackendMulti     = "multi"
)

// Config holds all gateway configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Log       LogConfig       `yaml:"log"`
	Cache     CacheConfig     `yaml:"cache"`
	Backends  BackendsConfig  `yaml:"backends"`
	Router    RouterConfig    `yaml:"router"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	Budget    BudgetConfig    `yaml:"budget"`
}

// LogConfig controls the logrus logger. Format is "text" or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig controls the response cache. TTL is applied to every stored
// response; zero falls back to the tiers' own default TTLs.
type CacheConfig struct {
	Enabled      bool              `yaml:"enabled"`
	TTL          time.Duration     `yaml:"ttl"`
	PromoteOnHit bool              `yaml:"promote_on_hit"`
	DisableStats bool              `yaml:"disable_stats"`
	Memory       MemoryCacheConfig `yaml:"memory"`
	Disk         DiskCacheConfig   `yaml:"disk"`
}

// MemoryCacheConfig configures the in-process LRU tier.
type MemoryCacheConfig struct {
	MaxEntries  int           `yaml:"max_entries"`
	DefaultTTL  time.Duration `yaml:"default_ttl"`
	EagerExpiry bool          `yaml:"eager_expiry"`
}

// DiskCacheConfig configures the SQLite tier.
type DiskCacheConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Path           string        `yaml:"path"`
	MaxSizeMB      float64       `yaml:"max_size_mb"`
	CompactOnStart bool          `yaml:"compact_on_start"`
	SkipCreateDir  bool          `yaml:"skip_create_dir"`
	DefaultTTL     time.Duration `yaml:"default_ttl"`
}

// ProviderConfig configures one provider adapter. An empty APIKey falls
// back to the provider's environment variable.
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// Backend converts p to the adapter construction config.
func (p ProviderConfig) Backend() backend.Config {
	return backend.Config{
		APIKey:       p.APIKey,
		BaseURL:      p.BaseURL,
		DefaultModel: p.DefaultModel,
		Timeout:      p.Timeout,
	}
}

// MultiConfig configures the multi-provider registry backend.
type MultiConfig struct {
	Separator       string                    `yaml:"separator"`
	DefaultProvider string                    `yaml:"default_provider"`
	DefaultModel    string                    `yaml:"default_model"`
	RateLimitMs     int                       `yaml:"rate_limit_ms"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
}

// RateLimit returns the minimum gap between provider calls.
func (m MultiConfig) RateLimit() time.Duration {
	return time.Duration(m.RateLimitMs) * time.Millisecond
}

// BackendsConfig lists the enabled backends; a nil block is disabled.
type BackendsConfig struct {
	OpenAI    *ProviderConfig `yaml:"openai"`
	Anthropic *ProviderConfig `yaml:"anthropic"`
	Ollama    *ProviderConfig `yaml:"ollama"`
	Multi     *MultiConfig    `yaml:"multi"`
}

// IDs returns the ids of the enabled backends in a fixed order.
func (b BackendsConfig) IDs() []string {
	var ids []string
	if b.OpenAI != nil {
		ids = append(ids, BackendOpenAI)
	}
	if b.Anthropic != nil {
		ids = append(ids, BackendAnthropic)
	}
	if b.Ollama != nil {
		ids = append(ids, BackendOllama)
	}
	if b.Multi != nil {
		ids = append(ids, BackendMulti)
	}
	return ids
}

// RouterConfig selects a backend per request. Rules are tried in order;
// requests matching none go to DefaultBackend.
type RouterConfig struct {
	DefaultBackend string      `yaml:"default_backend"`
	Rules          []RouteRule `yaml:"rules"`
}

// RouteRule matches on exactly one of MatchPrefix (model id prefix),
// RouteHint or Tag.
type RouteRule struct {
	MatchPrefix string `yaml:"match_prefix"`
	RouteHint   string `yaml:"route_hint"`
	Tag         string `yaml:"tag"`
	Backend     string `yaml:"backend"`
}

// TelemetryConfig toggles the instrumentation implementations.
type TelemetryConfig struct {
	Metrics     bool   `yaml:"metrics"`
	Tracing     bool   `yaml:"tracing"`
	LogStages   bool   `yaml:"log_stages"`
	ServiceName string `yaml:"service_name"`
}

// TrackerConfig controls the usage tracker.
type TrackerConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// BudgetConfig caps tokens served per period. Usage is read from the
// tracker, so budgets require it.
type BudgetConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Policies []BudgetPolicy `yaml:"policies"`
}

// BudgetPolicy is one token cap. Period is "daily" or "monthly".
type BudgetPolicy struct {
	Name      string `yaml:"name"`
	Period    string `yaml:"period"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			Enabled:      true,
			TTL:          time.Hour,
			PromoteOnHit: true,
			Memory: MemoryCacheConfig{
				MaxEntries: 1000,
			},
			Disk: DiskCacheConfig{
				Path: "llmgate-cache.db",
			},
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: "llmgate",
		},
		Tracker: TrackerConfig{
			Enabled: true,
			DBPath:  "llmgate.db",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// Validate reports inconsistent settings as a configuration error.
func (c *Config) Validate() error {
	ids := c.Backends.IDs()
	if len(ids) == 0 {
		return gwerr.Configuration("no backends configured", nil)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	switch {
	case c.Router.DefaultBackend == "" && len(ids) > 1:
		return gwerr.Configuration("router.default_backend is required with several backends", map[string]any{"backends": ids})
	case c.Router.DefaultBackend != "" && !known[c.Router.DefaultBackend]:
		return gwerr.Configuration("router.default_backend is not configured", map[string]any{gwerr.CtxBackend: c.Router.DefaultBackend})
	}

	for i, r := range c.Router.Rules {
		matchers := 0
		for _, m := range []string{r.MatchPrefix, r.RouteHint, r.Tag} {
			if m != "" {
				matchers++
			}
		}
		if matchers != 1 {
			return gwerr.Configuration("route rule needs exactly one of match_prefix, route_hint or tag", map[string]any{"rule": i})
		}
		if !known[r.Backend] {
			return gwerr.Configuration("route rule targets an unconfigured backend", map[string]any{"rule": i, gwerr.CtxBackend: r.Backend})
		}
	}

	if m := c.Backends.Multi; m != nil {
		if len(m.Providers) == 0 {
			return gwerr.Configuration("backends.multi requires at least one provider", nil)
		}
		for name := range m.Providers {
			if name != BackendOpenAI && name != BackendAnthropic && name != BackendOllama {
				return gwerr.Configuration("unknown multi provider", map[string]any{gwerr.CtxBackend: name})
			}
		}
		if m.RateLimitMs < 0 {
			return gwerr.Configuration("backends.multi.rate_limit_ms must be non-negative", nil)
		}
	}

	if c.Cache.Enabled {
		if c.Cache.Memory.MaxEntries < 0 {
			return gwerr.Configuration("cache.memory.max_entries must be non-negative", nil)
		}
		if c.Cache.Disk.Enabled && c.Cache.Disk.Path == "" {
			return gwerr.Configuration("cache.disk.path is required when the disk tier is enabled", nil)
		}
		if c.Cache.Disk.MaxSizeMB < 0 {
			return gwerr.Configuration("cache.disk.max_size_mb must be non-negative", nil)
		}
	}

	if c.Tracker.Enabled && c.Tracker.DBPath == "" {
		return gwerr.Configuration("tracker.db_path is required when the tracker is enabled", nil)
	}

	if c.Budget.Enabled {
		if !c.Tracker.Enabled {
			return gwerr.Configuration("budget requires the tracker", nil)
		}
		for i, p := range c.Budget.Policies {
			if p.Period != "daily" && p.Period != "monthly" {
				return gwerr.Configuration("budget period must be daily or monthly", map[string]any{"policy": i, "period": p.Period})
			}
			if p.MaxTokens <= 0 {
				return gwerr.Configuration("budget max_tokens must be positive", map[string]any{"policy": i})
			}
		}
	}
	return nil
}

// DefaultBackend returns the router default, or the only backend.
func (c *Config) DefaultBackend() string {
	if c.Router.DefaultBackend != "" {
		return c.Router.DefaultBackend
	}
	if ids := c.Backends.IDs(); len(ids) == 1 {
		return ids[0]
	}
	return ""
}
