package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Marketstream MarketstreamConfig `yaml:"marketstream"`
	Logging      LoggingConfig      `yaml:"logging"`
	Manager      ManagerConfig      `yaml:"manager"`
	Venues       VenuesConfig       `yaml:"venues"`
}

type MarketstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type ManagerConfig struct {
	// ResumeDelay is how long a switched-away symbol stays paused so
	// in-flight frames queued before the pause are still buffered.
	ResumeDelay time.Duration `yaml:"resume_delay"`
	// BufferLimit caps buffered envelopes per paused symbol.
	BufferLimit int `yaml:"buffer_limit"`
}

type VenuesConfig struct {
	Binance VenueConfig `yaml:"binance"`
	Kraken  VenueConfig `yaml:"kraken"`
}

type VenueConfig struct {
	URL           string          `yaml:"url"`
	DialTimeout   time.Duration   `yaml:"dial_timeout"`
	WriteTimeout  time.Duration   `yaml:"write_timeout"`
	PingInterval  time.Duration   `yaml:"ping_interval"`
	Backoff       BackoffConfig   `yaml:"backoff"`
	SubscribeRate RateLimitConfig `yaml:"subscribe_rate"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars substitutes ${VAR} references with environment values.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads, expands and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Marketstream.Name == "" {
		c.Marketstream.Name = "marketstream"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Manager.ResumeDelay <= 0 {
		c.Manager.ResumeDelay = 500 * time.Millisecond
	}
	if c.Manager.BufferLimit <= 0 {
		c.Manager.BufferLimit = 4096
	}
	if c.Venues.Binance.URL == "" {
		c.Venues.Binance.URL = "wss://stream.binance.com:9443/stream"
	}
	if c.Venues.Kraken.URL == "" {
		c.Venues.Kraken.URL = "wss://ws.kraken.com"
	}
	c.Venues.Binance.applyDefaults()
	c.Venues.Kraken.applyDefaults()
}

func (v *VenueConfig) applyDefaults() {
	if v.DialTimeout <= 0 {
		v.DialTimeout = 10 * time.Second
	}
	if v.WriteTimeout <= 0 {
		v.WriteTimeout = 5 * time.Second
	}
	if v.PingInterval <= 0 {
		v.PingInterval = 20 * time.Second
	}
	if v.Backoff.Initial <= 0 {
		v.Backoff.Initial = time.Second
	}
	if v.Backoff.Max <= 0 {
		v.Backoff.Max = 30 * time.Second
	}
	if v.SubscribeRate.RequestsPerSecond <= 0 {
		v.SubscribeRate.RequestsPerSecond = 5
	}
	if v.SubscribeRate.BurstSize <= 0 {
		v.SubscribeRate.BurstSize = 10
	}
}

func (c *Config) validate() error {
	for name, venue := range map[string]VenueConfig{
		"binance": c.Venues.Binance,
		"kraken":  c.Venues.Kraken,
	} {
		if err := venue.validate(); err != nil {
			return fmt.Errorf("venue %s: %w", name, err)
		}
	}
	if c.Manager.ResumeDelay > 10*time.Second {
		return fmt.Errorf("manager resume_delay %s is unreasonably large", c.Manager.ResumeDelay)
	}
	return nil
}

func (v VenueConfig) validate() error {
	if v.URL == "" {
		return fmt.Errorf("url is required")
	}
	if v.Backoff.Initial > v.Backoff.Max {
		return fmt.Errorf("backoff initial %s exceeds max %s", v.Backoff.Initial, v.Backoff.Max)
	}
	return nil
}
