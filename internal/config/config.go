// Package config handles configuration loading for swarmops.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for swarmops.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Weather  WeatherConfig  `mapstructure:"weather"`
	Mirror   MirrorConfig   `mapstructure:"mirror"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// StoreConfig selects the shared state store backend.
type StoreConfig struct {
	// Backend is "sqlite" or "redis".
	Backend  string `mapstructure:"backend"`
	Path     string `mapstructure:"path"`
	RedisURL string `mapstructure:"redis_url"`
}

// OracleConfig holds reasoning provider settings.
type OracleConfig struct {
	// Provider is "anthropic", "bedrock" or "openai".
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	MaxTokens  int64         `mapstructure:"max_tokens"`
	System     string        `mapstructure:"system"`
	Timeout    time.Duration `mapstructure:"timeout"`
	AWSRegion  string        `mapstructure:"aws_region"`
	AWSProfile string        `mapstructure:"aws_profile"`
}

// WorkerConfig holds worker pool settings.
type WorkerConfig struct {
	Count int `mapstructure:"count"`
	// MaxAttempts of 1 disables retries and the dead-letter queue.
	MaxAttempts       int           `mapstructure:"max_attempts"`
	PollWait          time.Duration `mapstructure:"poll_wait"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// PipelineConfig holds stage settings.
type PipelineConfig struct {
	NeighborRadiusKm float64 `mapstructure:"neighbor_radius_km"`
	// PromptsDir overrides the embedded templates when set.
	PromptsDir   string `mapstructure:"prompts_dir"`
	WatchPrompts bool   `mapstructure:"watch_prompts"`
}

// WeatherConfig holds the optional weather enrichment settings.
type WeatherConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BaseURL  string        `mapstructure:"base_url"`
	APIKey   string        `mapstructure:"api_key"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MirrorConfig holds the optional realtime mirror settings.
type MirrorConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// envBindings maps config keys to the extra variables read besides SWARMOPS_<KEY>.
var envBindings = map[string][]string{
	"store.redis_url": {"REDIS_URL"},
	"weather.api_key": {"OPENWEATHER_API_KEY"},
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (SWARMOPS_*, REDIS_URL, OPENWEATHER_API_KEY)
// 2. Project config (.swarmops.yaml in current directory or parent)
// 3. User config (~/.config/swarmops/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file plus the environment.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SWARMOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, extra := range envBindings {
		names := append([]string{"SWARMOPS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}, extra...)
		v.BindEnv(append([]string{key}, names...)...)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in secrets
	cfg.Oracle.APIKey = os.ExpandEnv(cfg.Oracle.APIKey)
	cfg.Weather.APIKey = os.ExpandEnv(cfg.Weather.APIKey)
	cfg.Mirror.AuthToken = os.ExpandEnv(cfg.Mirror.AuthToken)
	cfg.Store.RedisURL = os.ExpandEnv(cfg.Store.RedisURL)
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("store.backend must be sqlite or redis, got %q", c.Store.Backend)
	}
	switch c.Oracle.Provider {
	case "anthropic", "bedrock", "openai":
	default:
		return fmt.Errorf("oracle.provider must be anthropic, bedrock or openai, got %q", c.Oracle.Provider)
	}
	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1")
	}
	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("worker.max_attempts must be at least 1")
	}
	if c.Pipeline.NeighborRadiusKm <= 0 {
		return fmt.Errorf("pipeline.neighbor_radius_km must be positive")
	}
	if c.Mirror.Enabled && c.Mirror.URL == "" {
		return fmt.Errorf("mirror.url is required when the mirror is enabled")
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values. Every key needs one so that
// AutomaticEnv can see it during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.redis_url", "")

	v.SetDefault("oracle.provider", "anthropic")
	v.SetDefault("oracle.model", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.base_url", "")
	v.SetDefault("oracle.max_tokens", 4096)
	v.SetDefault("oracle.system", "")
	v.SetDefault("oracle.timeout", "60s")
	v.SetDefault("oracle.aws_region", "")
	v.SetDefault("oracle.aws_profile", "")

	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.max_attempts", 1)
	v.SetDefault("worker.poll_wait", "2s")
	v.SetDefault("worker.visibility_timeout", "5m")

	v.SetDefault("pipeline.neighbor_radius_km", 1.0)
	v.SetDefault("pipeline.prompts_dir", "")
	v.SetDefault("pipeline.watch_prompts", false)

	v.SetDefault("weather.enabled", false)
	v.SetDefault("weather.base_url", "https://api.openweathermap.org/data/2.5")
	v.SetDefault("weather.api_key", "")
	v.SetDefault("weather.cache_ttl", "10m")
	v.SetDefault("weather.timeout", "5s")

	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.url", "")
	v.SetDefault("mirror.auth_token", "")
	v.SetDefault("mirror.timeout", "5s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9464")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// getUserConfigDir returns the XDG config directory for swarmops.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "swarmops")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "swarmops")
	}
	return filepath.Join(home, ".config", "swarmops")
}

// findProjectConfig searches for .swarmops.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".swarmops.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	// defaults are static and always decode
	_ = v.Unmarshal(cfg)
	return cfg
}
