package markstore

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/webmarker/mark"
)

// Config holds the mark store daemon configuration.
type Config struct {
	DBPath string `yaml:"db_path"`
	Addr   string `yaml:"addr"`

	// APITokenHash is the bcrypt hash of the bearer token required by the
	// HTTP API. Empty disables the check.
	APITokenHash string `yaml:"api_token_hash"`

	// QuotaBytes is reported next to the usage. Default 10 MiB.
	QuotaBytes int64 `yaml:"quota_bytes"`

	EventRetentionDays int `yaml:"event_retention_days"`

	// TraceSQL logs every statement (see package trace).
	TraceSQL bool `yaml:"trace_sql"`

	// RatePerMinute caps API requests per client IP. Zero disables it.
	RatePerMinute int `yaml:"rate_per_minute"`

	// MCPQuicAddr also serves the MCP tools over QUIC (UDP) when set.
	// Without a certificate pair the daemon generates a self-signed one.
	MCPQuicAddr string `yaml:"mcp_quic_addr"`
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	Settings mark.Settings `yaml:"settings"`
}

// Defaults fills the zero fields.
func (c *Config) Defaults() {
	if c.DBPath == "" {
		c.DBPath = "webmarker.db"
	}
	if c.Addr == "" {
		c.Addr = ":8087"
	}
	if c.QuotaBytes <= 0 {
		c.QuotaBytes = 10 << 20
	}
	if c.EventRetentionDays <= 0 {
		c.EventRetentionDays = 90
	}
	c.Settings.Defaults()
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("markstore: config %s: %w", path, err)
	}
	return cfg, nil
}
