// Package config holds the immutable settings shared by the relay and the
// client: where the relay listens, where the client forwards to and the
// handshake secret.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvPublicHost  = "PUBLIC_SERVER_HOST"
	EnvPublicPort  = "PUBLIC_SERVER_PORT"
	EnvPrivatePort = "PRIVATE_SERVER_PORT"
	EnvLocalAddr   = "TUNNEL_LOCAL_HOST"
	EnvSecret      = "SECRET_HANDSHAKE"
)

var (
	ErrEmptyPort   = errors.New("empty port")
	ErrInvalidPort = errors.New("invalid port")
)

// Config is read once at startup and never mutated afterwards.
type Config struct {
	PublicHost  string       `yaml:"public_host"`
	PublicPort  uint16       `yaml:"public_port"`
	PrivatePort uint16       `yaml:"private_port"`
	LocalAddr   string       `yaml:"local_addr"`
	Secret      string       `yaml:"secret"`
	Debug       bool         `yaml:"debug"`
	Relay       RelayConfig  `yaml:"relay"`
	Client      ClientConfig `yaml:"client"`
}

// RelayConfig contains relay-only settings.
type RelayConfig struct {
	BindHost         string        `yaml:"bind_host"`
	ConsumerHost     string        `yaml:"consumer_host"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // 0 waits forever
	AttemptRate      float64       `yaml:"attempt_rate"`      // handshakes per second per host, 0 disables
	AttemptBurst     int           `yaml:"attempt_burst"`
	MetricsAddr      string        `yaml:"metrics_addr"`
	RedisAddr        string        `yaml:"redis_addr"`
	RedisPassword    string        `yaml:"redis_password"`
	RedisDB          int           `yaml:"redis_db"`
	StatusTTL        time.Duration `yaml:"status_ttl"`
}

// ClientConfig contains client-only settings.
type ClientConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"` // 0 keeps the delay fixed at RetryInterval
	DialTimeout      time.Duration `yaml:"dial_timeout"`       // 0 uses the OS default
	MetricsAddr      string        `yaml:"metrics_addr"`
}

// MaxDelay is the upper bound of the reconnect backoff.
func (c ClientConfig) MaxDelay() time.Duration {
	if c.MaxRetryInterval < c.RetryInterval {
		return c.RetryInterval
	}
	return c.MaxRetryInterval
}

// Default returns a configuration with every optional value filled in.
func Default() *Config {
	return &Config{
		Relay: RelayConfig{
			BindHost:     "0.0.0.0",
			ConsumerHost: "127.0.0.1",
			AttemptBurst: 5,
			MetricsAddr:  ":9100",
			StatusTTL:    30 * time.Second,
		},
		Client: ClientConfig{
			RetryInterval: 5 * time.Second,
		},
	}
}

// Load builds a configuration from defaults, an optional YAML file and the
// environment, in that order of precedence (later wins). Flags are applied
// by the caller on top.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.parseYAML(data); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes on top of the defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.parseYAML(data); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parseYAML(data []byte) error {
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields with values found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPublicHost); ok {
		c.PublicHost = v
	}
	if v, ok := lookup(EnvPublicPort); ok {
		p, err := ParsePort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPublicPort, err)
		}
		c.PublicPort = p
	}
	if v, ok := lookup(EnvPrivatePort); ok {
		p, err := ParsePort(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPrivatePort, err)
		}
		c.PrivatePort = p
	}
	if v, ok := lookup(EnvLocalAddr); ok {
		c.LocalAddr = v
	}
	if v, ok := lookup(EnvSecret); ok {
		c.Secret = v
	}
	return nil
}

// ParsePort parses a decimal TCP port in the range 1-65535. Signs,
// whitespace and other non-digit characters are rejected.
func ParsePort(s string) (uint16, error) {
	if s == "" {
		return 0, ErrEmptyPort
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q contains non-digit characters", ErrInvalidPort, s)
		}
	}
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is out of range", ErrInvalidPort, s)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: port cannot be 0", ErrInvalidPort)
	}
	return uint16(n), nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// PublicAddr is the address the client dials.
func (c *Config) PublicAddr() string {
	return net.JoinHostPort(c.PublicHost, strconv.Itoa(int(c.PublicPort)))
}

// TunnelListenAddr is where the relay accepts tunnel connections.
func (c *Config) TunnelListenAddr() string {
	return net.JoinHostPort(c.Relay.BindHost, strconv.Itoa(int(c.PublicPort)))
}

// ConsumerListenAddr is where the relay accepts consumer connections.
func (c *Config) ConsumerListenAddr() string {
	return net.JoinHostPort(c.Relay.ConsumerHost, strconv.Itoa(int(c.PrivatePort)))
}

// ValidateRelay checks the values the relay needs.
func (c *Config) ValidateRelay() error {
	var errs []error
	if c.PublicPort == 0 {
		errs = append(errs, errors.New("public port is required"))
	}
	if c.PrivatePort == 0 {
		errs = append(errs, errors.New("private port is required"))
	}
	if c.Secret == "" {
		errs = append(errs, errors.New("handshake secret is required"))
	}
	if c.Relay.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshake timeout cannot be negative"))
	}
	if c.Relay.AttemptRate < 0 {
		errs = append(errs, errors.New("attempt rate cannot be negative"))
	}
	if c.Relay.AttemptRate > 0 && c.Relay.AttemptBurst < 1 {
		errs = append(errs, errors.New("attempt burst must be at least 1 when attempt rate is set"))
	}
	return errors.Join(errs...)
}

// ValidateClient checks the values the client needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if c.PublicHost == "" {
		errs = append(errs, errors.New("public host is required"))
	}
	if c.PublicPort == 0 {
		errs = append(errs, errors.New("public port is required"))
	}
	if c.LocalAddr == "" {
		errs = append(errs, errors.New("local service address is required"))
	} else if _, port, err := net.SplitHostPort(c.LocalAddr); err != nil {
		errs = append(errs, fmt.Errorf("local service address: %w", err))
	} else if _, err := ParsePort(port); err != nil {
		errs = append(errs, fmt.Errorf("local service address: %w", err))
	}
	if c.Secret == "" {
		errs = append(errs, errors.New("handshake secret is required"))
	}
	if c.Client.RetryInterval <= 0 {
		errs = append(errs, errors.New("retry interval must be positive"))
	}
	if c.Client.MaxRetryInterval != 0 && c.Client.MaxRetryInterval < c.Client.RetryInterval {
		errs = append(errs, errors.New("max retry interval cannot be below retry interval"))
	}
	if c.Client.DialTimeout < 0 {
		errs = append(errs, errors.New("dial timeout cannot be negative"))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy that is safe to log.
func (c *Config) Redacted() Config {
	out := *c
	if out.Secret != "" {
		out.Secret = "[REDACTED]"
	}
	if out.Relay.RedisPassword != "" {
		out.Relay.RedisPassword = "[REDACTED]"
	}
	return out
}
