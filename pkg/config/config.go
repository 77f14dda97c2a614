package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mcpfed/pkg/auth"
	"mcpfed/pkg/federation"
	"mcpfed/pkg/types"
)

const (
	DefaultListenAddress  = ":8080"
	DefaultTokenTTL       = 5 * time.Minute
	DefaultConnectTimeout = 5 * time.Second
	DefaultQueryTimeout   = 5 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultClientName     = "mcpfed"
	DefaultMaxRequestBody = MiB
	DefaultStartupRetries = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond

	ValidationSubset = "subset"
	ValidationAccept = "accept"
)

type Config struct {
	ListenAddress string `json:"listen_address" yaml:"listen_address"`

	// Secret signs the JWTs presented to jwt peers and guards the API.
	Secret      string   `json:"secret" yaml:"secret"`
	Issuer      string   `json:"issuer,omitempty" yaml:"issuer,omitempty"`
	TokenTTL    Duration `json:"token_ttl,omitempty" yaml:"token_ttl,omitempty"`
	RequireAuth bool     `json:"require_auth,omitempty" yaml:"require_auth,omitempty"`

	// MaxRequestBody caps API request bodies, e.g. "64KiB".
	MaxRequestBody ByteSize `json:"max_request_body,omitempty" yaml:"max_request_body,omitempty"`

	ConnectTimeout Duration `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
	QueryTimeout   Duration `json:"query_timeout,omitempty" yaml:"query_timeout,omitempty"`
	HealthInterval Duration `json:"health_interval,omitempty" yaml:"health_interval,omitempty"`

	// StartupRetries is how many times each configured peer is tried at
	// startup. Peers registered later through the API are tried once.
	StartupRetries int      `json:"startup_retries,omitempty" yaml:"startup_retries,omitempty"`
	RetryBaseDelay Duration `json:"retry_base_delay,omitempty" yaml:"retry_base_delay,omitempty"`

	// Validation is the capability matching rule: subset or accept.
	Validation string `json:"validation,omitempty" yaml:"validation,omitempty"`
	ClientName string `json:"client_name,omitempty" yaml:"client_name,omitempty"`

	TLS   *auth.TLSConfig    `json:"tls,omitempty" yaml:"tls,omitempty"`
	Peers []types.PeerConfig `json:"peers" yaml:"peers"`
}

// Duration accepts either a Go duration string ("5s") or a number of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw interface{}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw interface{}) error {
	switch v := raw.(type) {
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case nil:
		*d = 0
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

// LoadConfig reads a config file, applies MCPFED_* overrides and fills in
// defaults. Files ending in .yaml or .yml are parsed as YAML, anything else
// as JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a config from MCPFED_* variables alone.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.ListenAddress = getEnv("MCPFED_LISTEN_ADDRESS", c.ListenAddress)
	c.Secret = getEnv("MCPFED_SECRET", c.Secret)
	c.Issuer = getEnv("MCPFED_ISSUER", c.Issuer)
	c.Validation = getEnv("MCPFED_VALIDATION", c.Validation)
	c.ClientName = getEnv("MCPFED_CLIENT_NAME", c.ClientName)

	durations := []struct {
		key string
		dst *Duration
	}{
		{"MCPFED_TOKEN_TTL", &c.TokenTTL},
		{"MCPFED_CONNECT_TIMEOUT", &c.ConnectTimeout},
		{"MCPFED_QUERY_TIMEOUT", &c.QueryTimeout},
		{"MCPFED_HEALTH_INTERVAL", &c.HealthInterval},
		{"MCPFED_RETRY_BASE_DELAY", &c.RetryBaseDelay},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			if err := d.dst.set(v); err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
		}
	}

	if v := os.Getenv("MCPFED_MAX_REQUEST_BODY"); v != "" {
		if err := c.MaxRequestBody.set(v); err != nil {
			return fmt.Errorf("MCPFED_MAX_REQUEST_BODY: %w", err)
		}
	}

	if v := os.Getenv("MCPFED_STARTUP_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MCPFED_STARTUP_RETRIES: %w", err)
		}
		c.StartupRetries = n
	}

	if v := os.Getenv("MCPFED_REQUIRE_AUTH"); v != "" {
		c.RequireAuth = v == "1" || strings.EqualFold(v, "true")
	}

	if peers := os.Getenv("MCPFED_PEERS"); peers != "" {
		parsed, err := ParsePeers(peers)
		if err != nil {
			return fmt.Errorf("MCPFED_PEERS: %w", err)
		}
		c.Peers = append(c.Peers, parsed...)
	}
	return nil
}

// ParsePeers parses comma-separated id=endpoint pairs into jwt peers:
// alice=ws://alice:8080/mcp,bob=grpc://bob:9000
func ParsePeers(s string) ([]types.PeerConfig, error) {
	var peers []types.PeerConfig
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(entry, "=")
		if !ok || id == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid peer %q, want id=endpoint", entry)
		}
		peers = append(peers, types.PeerConfig{
			ServerID:  types.ServerID(strings.TrimSpace(id)),
			Endpoints: types.Endpoints{Control: strings.TrimSpace(endpoint)},
			Auth:      types.AuthSettings{Kind: types.AuthJWT},
		})
	}
	return peers, nil
}

func (c *Config) SetDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = DefaultListenAddress
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = Duration(DefaultTokenTTL)
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(DefaultConnectTimeout)
	}
	if c.QueryTimeout == 0 {
		c.QueryTimeout = Duration(DefaultQueryTimeout)
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = Duration(DefaultHealthInterval)
	}
	if c.Validation == "" {
		c.Validation = ValidationSubset
	}
	if c.ClientName == "" {
		c.ClientName = DefaultClientName
	}
	if c.StartupRetries == 0 {
		c.StartupRetries = DefaultStartupRetries
	}
	if c.RetryBaseDelay == 0 {
		c.RetryBaseDelay = Duration(DefaultRetryBaseDelay)
	}
	if c.MaxRequestBody == 0 {
		c.MaxRequestBody = ByteSize(DefaultMaxRequestBody)
	}
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("secret is required")
	}
	if c.ConnectTimeout < 0 || c.QueryTimeout < 0 || c.TokenTTL < 0 || c.RetryBaseDelay < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.StartupRetries < 0 {
		return fmt.Errorf("startup_retries must not be negative")
	}
	if c.MaxRequestBody < 0 {
		return fmt.Errorf("max_request_body must not be negative")
	}
	switch c.Validation {
	case ValidationSubset, ValidationAccept:
	default:
		return fmt.Errorf("unknown validation mode %q", c.Validation)
	}
	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	seen := make(map[types.ServerID]bool, len(c.Peers))
	for i, p := range c.Peers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if seen[p.ServerID] {
			return fmt.Errorf("peers[%d]: duplicate server id %s", i, p.ServerID)
		}
		seen[p.ServerID] = true
	}
	return nil
}

// AuthConfig returns the token configuration for the gateway's issuer.
func (c *Config) AuthConfig() *auth.AuthConfig {
	ac := auth.DefaultAuthConfig()
	ac.Secret = c.Secret
	if c.Issuer != "" {
		ac.Issuer = c.Issuer
	}
	if c.TokenTTL > 0 {
		ac.TokenTTL = c.TokenTTL.Std()
	}
	return ac
}

// RetryPolicy returns the startup registration policy.
func (c *Config) RetryPolicy() federation.RetryPolicy {
	p := federation.DefaultRetryPolicy()
	if c.StartupRetries > 0 {
		p.MaxAttempts = c.StartupRetries
	}
	if c.RetryBaseDelay > 0 {
		p.BaseDelay = c.RetryBaseDelay.Std()
	}
	return p
}

// GetConfigDir returns the mcpfed configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("MCPFED_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "mcpfed")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".mcpfed"
	}
	return filepath.Join(home, ".mcpfed")
}

// GetConfigPath returns the default config file path
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.json")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
