// ABOUTME: Configuration loading and parsing for barley-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete barley-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Transport TransportConfig `yaml:"transport"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig holds the connection settings for the messaging
// transport daemon that barley-gateway drives.
type TransportConfig struct {
	URL string `yaml:"url"`
}

// SessionsConfig holds connection lifecycle timing configuration.
// All fields default to the values the state machine was tuned for;
// overriding them is mostly useful in integration environments.
type SessionsConfig struct {
	ConnectTimeout time.Duration `yaml:"-"`
	ReconnectDelay time.Duration `yaml:"-"`
	RelinkDelay    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ConnectTimeoutRaw string `yaml:"connect_timeout"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	RelinkDelayRaw    string `yaml:"relink_delay"`
}

// WebhooksConfig holds delivery queue tuning.
type WebhooksConfig struct {
	DeliveryTimeout time.Duration `yaml:"-"`

	DeliveryTimeoutRaw string `yaml:"delivery_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for the lifecycle and delivery timers. These match the
// recovery behavior the rest of the system is written against.
const (
	DefaultConnectTimeout  = 30 * time.Second
	DefaultReconnectDelay  = 5 * time.Second
	DefaultRelinkDelay     = 2 * time.Second
	DefaultDeliveryTimeout = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in zero-valued timing fields.
func (c *Config) applyDefaults() {
	if c.Sessions.ConnectTimeout == 0 {
		c.Sessions.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Sessions.ReconnectDelay == 0 {
		c.Sessions.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Sessions.RelinkDelay == 0 {
		c.Sessions.RelinkDelay = DefaultRelinkDelay
	}
	if c.Webhooks.DeliveryTimeout == 0 {
		c.Webhooks.DeliveryTimeout = DefaultDeliveryTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Transport.URL == "" {
		return fmt.Errorf("transport.url is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sessions.ConnectTimeoutRaw != "" {
		cfg.Sessions.ConnectTimeout, err = time.ParseDuration(cfg.Sessions.ConnectTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing connect_timeout %q: %w", cfg.Sessions.ConnectTimeoutRaw, err)
		}
	}

	if cfg.Sessions.ReconnectDelayRaw != "" {
		cfg.Sessions.ReconnectDelay, err = time.ParseDuration(cfg.Sessions.ReconnectDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_delay %q: %w", cfg.Sessions.ReconnectDelayRaw, err)
		}
	}

	if cfg.Sessions.RelinkDelayRaw != "" {
		cfg.Sessions.RelinkDelay, err = time.ParseDuration(cfg.Sessions.RelinkDelayRaw)
		if err != nil {
			return fmt.Errorf("parsing relink_delay %q: %w", cfg.Sessions.RelinkDelayRaw, err)
		}
	}

	if cfg.Webhooks.DeliveryTimeoutRaw != "" {
		cfg.Webhooks.DeliveryTimeout, err = time.ParseDuration(cfg.Webhooks.DeliveryTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing delivery_timeout %q: %w", cfg.Webhooks.DeliveryTimeoutRaw, err)
		}
	}

	return nil
}
