// Package config provides the configuration structure for the voxsynth client.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables that override the loaded configuration.
const (
	EnvAPIURL  = "VOXSYNTH_API_URL"
	EnvNATSURL = "VOXSYNTH_NATS_URL"
)

// Defaults applied to zero-valued settings.
const (
	DefaultBaseURL              = "http://localhost:8000"
	DefaultTimeoutSeconds       = 120
	DefaultHealthIntervalMillis = 3000
	DefaultHealthWarnAfter      = 10
	DefaultCompletionDelayMs    = 600
	DefaultEventSubject         = "voxsynth.session"
	DefaultOutputDir            = "."
)

// ErrBaseURLInvalid is returned when the API base URL has no scheme.
var ErrBaseURLInvalid = errors.New("api base_url must start with http:// or https://")

// APIConfig holds the settings for the synthesis backend.
type APIConfig struct {
	BaseURL              string `toml:"base_url"`
	TimeoutSeconds       int    `toml:"timeout_seconds"`
	HealthIntervalMillis int    `toml:"health_interval_ms"`
	HealthWarnAfter      int    `toml:"health_warn_after"`
	CompletionDelayMs    int    `toml:"completion_delay_ms"`
}

// GenerationConfig holds optional generation parameters. Unset values are
// not sent, so the backend applies its own defaults.
type GenerationConfig struct {
	MaxTokens     *int     `toml:"max_tokens"`
	CFGScale      *float64 `toml:"cfg_scale"`
	Temperature   *float64 `toml:"temperature"`
	TopP          *float64 `toml:"top_p"`
	CFGFilterTopK *int     `toml:"cfg_filter_top_k"`
}

// NATSConfig holds the optional NATS integration settings. An empty URL
// disables it.
type NATSConfig struct {
	URL                    string `toml:"url"`
	EventSubject           string `toml:"event_subject"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	OutputDir   string `toml:"output_dir"`
}

// Config is the root configuration structure.
type Config struct {
	API        APIConfig        `toml:"api"`
	Generation GenerationConfig `toml:"generation"`
	NATS       NATSConfig       `toml:"nats"`
	Paths      PathsConfig      `toml:"paths"`
}

// Load loads the configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finalize(&cfg)
}

// LoadFile loads the configuration from a local TOML file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes TOML data and applies defaults and environment overrides.
func Parse(data []byte) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	return finalize(&cfg)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()

	return cfg
}

func finalize(cfg *Config) (*Config, error) {
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv(EnvAPIURL)); value != "" {
		c.API.BaseURL = value
	}

	if value := strings.TrimSpace(os.Getenv(EnvNATSURL)); value != "" {
		c.NATS.URL = value
	}
}

func (c *Config) applyDefaults() {
	if c.API.BaseURL == "" {
		c.API.BaseURL = DefaultBaseURL
	}

	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")

	if c.API.TimeoutSeconds <= 0 {
		c.API.TimeoutSeconds = DefaultTimeoutSeconds
	}

	if c.API.HealthIntervalMillis <= 0 {
		c.API.HealthIntervalMillis = DefaultHealthIntervalMillis
	}

	if c.API.HealthWarnAfter <= 0 {
		c.API.HealthWarnAfter = DefaultHealthWarnAfter
	}

	if c.API.CompletionDelayMs <= 0 {
		c.API.CompletionDelayMs = DefaultCompletionDelayMs
	}

	if c.NATS.EventSubject == "" {
		c.NATS.EventSubject = DefaultEventSubject
	}

	if c.Paths.BaseLogsDir == "" {
		c.Paths.BaseLogsDir = os.TempDir()
	}

	if c.Paths.OutputDir == "" {
		c.Paths.OutputDir = DefaultOutputDir
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.API.BaseURL, "http://") && !strings.HasPrefix(c.API.BaseURL, "https://") {
		return fmt.Errorf("%w: %q", ErrBaseURLInvalid, c.API.BaseURL)
	}

	return nil
}

// NATSEnabled reports whether the NATS integration is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATS.URL != ""
}
