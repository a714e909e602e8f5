// Package brokerconfig loads the broker process's configuration file:
// bind address, auth material, and transport tunables (spec.md §6.4).
package brokerconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration, loaded from a YAML file
// on disk with defaults applied first (matching the teacher's
// config.Load: defaults, then overlay a present file, absent is not an
// error).
type Config struct {
	BindHost            string   `yaml:"bind_host"`
	HTTPPort            int      `yaml:"http_port"`
	ConnectorTokens     []string `yaml:"connector_tokens"`
	UserAPIKeys         []string `yaml:"user_api_keys"`
	ConnectorStoreFile  string   `yaml:"connector_store_file"`
	ConnectorConfigFile string   `yaml:"connector_config_file"`
	ExchangeLogFile     string   `yaml:"exchange_log_file"`
	AuthTimeoutSeconds  int      `yaml:"auth_timeout_seconds"`
	RequestTimeoutSecs  int      `yaml:"request_timeout_seconds"`
	PingIntervalSeconds int      `yaml:"ping_interval_seconds"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
}

// AuthTimeout returns the configured auth timeout as a duration.
func (c *Config) AuthTimeout() time.Duration {
	return time.Duration(c.AuthTimeoutSeconds) * time.Second
}

// RequestTimeout returns the configured request timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

// PingInterval returns the configured keepalive ping interval.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// DrainTimeout returns the configured graceful-shutdown drain timeout.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// Load reads and parses path. A missing file yields defaults, not an
// error; a present-but-unparseable file is an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading broker config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing broker config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid broker config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml, for first-run setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default broker config: %w", err)
	}
	header := `# remotellm broker configuration.
#
# connector_tokens: legacy static-token allow-list; leave empty to use
#   the approval-workflow store instead.
# user_api_keys: bearer tokens end users must present; leave empty to
#   disable end-user authentication.
`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		BindHost:            "0.0.0.0",
		HTTPPort:            8080,
		ConnectorStoreFile:  "connectors.yaml",
		AuthTimeoutSeconds:  10,
		RequestTimeoutSecs:  300,
		PingIntervalSeconds: 30,
		DrainTimeoutSeconds: 30,
	}
}

func validate(cfg *Config) error {
	if cfg.HTTPPort < 1 || cfg.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range (1-65535)", cfg.HTTPPort)
	}
	if cfg.AuthTimeoutSeconds <= 0 {
		return fmt.Errorf("auth_timeout_seconds must be positive")
	}
	if cfg.RequestTimeoutSecs <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	if cfg.PingIntervalSeconds <= 0 {
		return fmt.Errorf("ping_interval_seconds must be positive")
	}
	return nil
}
