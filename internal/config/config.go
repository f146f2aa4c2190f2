// ABOUTME: Configuration loading and parsing for aipim-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultMaxBodyBytes     int64 = 5 << 20
	DefaultShutdownTimeout        = 10 * time.Second
	DefaultReplayWindow           = 5 * time.Minute
	DefaultUpstreamTimeout        = 30 * time.Second
	DefaultMetricsPath            = "/metrics"
)

// Config represents the complete aipim-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tailscale TailscaleConfig  `yaml:"tailscale"`
	Database  DatabaseConfig   `yaml:"database"`
	API       APIConfig        `yaml:"api"`
	Auth      AuthConfig       `yaml:"auth"`
	Crypto    CryptoConfig     `yaml:"crypto"`
	Logging   LoggingConfig    `yaml:"logging"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS on :443 with Tailscale-provisioned certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// EncryptionKey seals stored private certificates and passphrases when set.
	EncryptionKey string `yaml:"encryption_key"`
}

// APIConfig names the API aggregate this gateway serves
type APIConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// AuthConfig holds admin and request authentication configuration
type AuthConfig struct {
	AdminSecret              string        `yaml:"admin_secret"`
	EnforceIPAllowList       bool          `yaml:"enforce_ip_allow_list"`
	TrustForwardedFor        bool          `yaml:"trust_forwarded_for"`
	RejectReplayedChallenges bool          `yaml:"reject_replayed_challenges"`
	ReplayMaxEntries         int           `yaml:"replay_max_entries"`
	ReplayWindow             time.Duration `yaml:"-"`

	ReplayWindowRaw string `yaml:"replay_window"`
}

// CryptoConfig sizes the RSA worker pool
type CryptoConfig struct {
	Workers int `yaml:"workers"` // 0 means GOMAXPROCS
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EndpointConfig declares a route served by proxying to an upstream URL
type EndpointConfig struct {
	Verb         string        `yaml:"verb"`
	Path         string        `yaml:"path"`
	AcceptedType string        `yaml:"accepted_type"`
	ProducedType string        `yaml:"produced_type"`
	Upstream     string        `yaml:"upstream"`
	Timeout      time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// DefaultPath returns the path to the gateway config file.
// Priority: AIPIM_CONFIG env var > XDG_CONFIG_HOME/aipim/gateway.yaml > ~/.config/aipim/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("AIPIM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "aipim", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML bytes.
func Parse(data []byte) (*Config, error) {
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

	applyDefaults(&cfg)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Auth.ReplayWindow == 0 {
		cfg.Auth.ReplayWindow = DefaultReplayWindow
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = DefaultMetricsPath
	}
	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		ep.Verb = strings.ToUpper(strings.TrimSpace(ep.Verb))
		if ep.AcceptedType == "" {
			ep.AcceptedType = "application/json"
		}
		if ep.ProducedType == "" {
			ep.ProducedType = "application/json"
		}
		if ep.Timeout == 0 {
			ep.Timeout = DefaultUpstreamTimeout
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes must not be negative")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.API.Name == "" {
		return fmt.Errorf("api.name is required")
	}

	if c.Crypto.Workers < 0 {
		return fmt.Errorf("crypto.workers must not be negative")
	}
	if c.Auth.ReplayMaxEntries < 0 {
		return fmt.Errorf("auth.replay_max_entries must not be negative")
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.Verb != "GET" && ep.Verb != "POST" {
			return fmt.Errorf("endpoints[%d].verb %q must be GET or POST", i, ep.Verb)
		}
		path := strings.Trim(ep.Path, "/")
		if path == "" {
			return fmt.Errorf("endpoints[%d].path is required", i)
		}
		if seen[path] {
			return fmt.Errorf("endpoints[%d].path %q declared twice", i, path)
		}
		seen[path] = true
		u, err := url.Parse(ep.Upstream)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("endpoints[%d].upstream %q must be an http(s) URL", i, ep.Upstream)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Server.ShutdownTimeoutRaw != "" {
		cfg.Server.ShutdownTimeout, err = time.ParseDuration(cfg.Server.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.Server.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.Auth.ReplayWindowRaw != "" {
		cfg.Auth.ReplayWindow, err = time.ParseDuration(cfg.Auth.ReplayWindowRaw)
		if err != nil {
			return fmt.Errorf("parsing replay_window %q: %w", cfg.Auth.ReplayWindowRaw, err)
		}
	}

	for i := range cfg.Endpoints {
		ep := &cfg.Endpoints[i]
		if ep.TimeoutRaw == "" {
			continue
		}
		ep.Timeout, err = time.ParseDuration(ep.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing endpoints[%d].timeout %q: %w", i, ep.TimeoutRaw, err)
		}
	}

	return nil
}
