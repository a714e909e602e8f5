// Package connectorconfig loads the connector process's configuration
// file: broker address, credentials, upstream LLM location, and
// reconnect/keepalive tunables (spec.md §6.4).
package connectorconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level connector configuration.
type Config struct {
	BrokerURL             string   `yaml:"broker_url"`
	BrokerToken           string   `yaml:"broker_token"`
	CredentialsFile       string   `yaml:"credentials_file"`
	UpstreamURL           string   `yaml:"upstream_url"`
	UpstreamAPIKey        string   `yaml:"upstream_api_key"`
	UpstreamHostHeader    string   `yaml:"upstream_host_header"`
	UpstreamSSLVerify     bool     `yaml:"upstream_ssl_verify"`
	ModelsOverride        []string `yaml:"models_override"`
	DisplayName           string   `yaml:"display_name"`
	ReconnectBaseDelaySec float64  `yaml:"reconnect_base_delay_seconds"`
	ReconnectMaxDelaySec  float64  `yaml:"reconnect_max_delay_seconds"`
	KeepaliveIntervalSec  float64  `yaml:"keepalive_interval_seconds"`
	UpstreamTimeoutSec    float64  `yaml:"upstream_timeout_seconds"`
	ConnectTimeoutSec     float64  `yaml:"connect_timeout_seconds"`
}

func (c *Config) ReconnectBaseDelay() time.Duration {
	return time.Duration(c.ReconnectBaseDelaySec * float64(time.Second))
}

func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.ReconnectMaxDelaySec * float64(time.Second))
}

func (c *Config) KeepaliveInterval() time.Duration {
	return time.Duration(c.KeepaliveIntervalSec * float64(time.Second))
}

func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSec * float64(time.Second))
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec * float64(time.Second))
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
		return nil, fmt.Errorf("reading connector config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing connector config %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid connector config: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes a default config.yaml, for first-run setup.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default connector config: %w", err)
	}
	header := `# remotellm connector configuration.
#
# broker_url: wss:// address of the broker's /ws endpoint.
# upstream_url: http(s):// address of the local LLM server.
# credentials_file: where the connector persists its issued api_key
#   once approved; leave empty to only ever use broker_token.
`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

func applyDefaults() *Config {
	return &Config{
		UpstreamSSLVerify:     true,
		ReconnectBaseDelaySec: 1,
		ReconnectMaxDelaySec:  300,
		KeepaliveIntervalSec:  60,
		UpstreamTimeoutSec:    300,
		ConnectTimeoutSec:     10,
	}
}

func validate(cfg *Config) error {
	if cfg.BrokerURL == "" {
		return fmt.Errorf("broker_url is required")
	}
	if cfg.UpstreamURL == "" {
		return fmt.Errorf("upstream_url is required")
	}
	if cfg.ReconnectBaseDelaySec <= 0 {
		return fmt.Errorf("reconnect_base_delay_seconds must be positive")
	}
	if cfg.ReconnectMaxDelaySec < cfg.ReconnectBaseDelaySec {
		return fmt.Errorf("reconnect_max_delay_seconds must be >= reconnect_base_delay_seconds")
	}
	return nil
}
