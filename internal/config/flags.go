package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

// Flags holds command line overrides. Only flags the user actually set are
// applied, so a flag default never hides a value from the file or the
// environment.
type Flags struct {
	Path string

	relay bool

	publicHost  string
	publicPort  string
	privatePort string
	localAddr   string
	secret      string
	debug       bool

	bindHost         string
	consumerHost     string
	handshakeTimeout time.Duration
	attemptRate      float64
	attemptBurst     int
	metricsAddr      string
	redisAddr        string
	redisPassword    string
	redisDB          int
	statusTTL        time.Duration

	retryInterval    time.Duration
	maxRetryInterval time.Duration
	dialTimeout      time.Duration
}

func (f *Flags) registerCommon(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Path, "config", "c", "", "path to a YAML configuration file")
	fs.StringVar(&f.publicPort, "public-port", "", "port for tunnel connections from the client (env "+EnvPublicPort+")")
	fs.StringVar(&f.secret, "secret", "", "shared handshake secret (env "+EnvSecret+")")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logs")
}

// RegisterRelay adds the relay's flags to fs.
func (f *Flags) RegisterRelay(fs *pflag.FlagSet) {
	f.relay = true
	f.registerCommon(fs)
	fs.StringVar(&f.privatePort, "private-port", "", "port for consumer connections (env "+EnvPrivatePort+")")
	fs.StringVar(&f.bindHost, "bind-host", "", "interface for the tunnel listener (default 0.0.0.0)")
	fs.StringVar(&f.consumerHost, "consumer-host", "", "interface for the consumer listener (default 127.0.0.1)")
	fs.DurationVar(&f.handshakeTimeout, "handshake-timeout", 0, "time allowed to send the secret (0 waits forever)")
	fs.Float64Var(&f.attemptRate, "attempt-rate", 0, "handshake attempts per second per remote host (0 disables)")
	fs.IntVar(&f.attemptBurst, "attempt-burst", 0, "handshake attempts allowed in a burst")
	fs.StringVar(&f.metricsAddr, "metrics", "", "metrics and health listen address, empty disables (default :9100)")
	fs.StringVar(&f.redisAddr, "redis-addr", "", "publish pairing state to this Redis server")
	fs.StringVar(&f.redisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&f.redisDB, "redis-db", 0, "Redis database")
	fs.DurationVar(&f.statusTTL, "status-ttl", 0, "expiry of the published state")
}

// RegisterClient adds the client's flags to fs.
func (f *Flags) RegisterClient(fs *pflag.FlagSet) {
	f.registerCommon(fs)
	fs.StringVar(&f.publicHost, "public-host", "", "relay host (env "+EnvPublicHost+")")
	fs.StringVar(&f.localAddr, "local", "", "local service host:port (env "+EnvLocalAddr+")")
	fs.DurationVar(&f.retryInterval, "retry-interval", 0, "delay before reconnecting (default 5s)")
	fs.DurationVar(&f.maxRetryInterval, "max-retry-interval", 0, "upper bound for the reconnect delay (default retry interval)")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", 0, "timeout for outbound dials (0 uses the OS default)")
	fs.StringVar(&f.metricsAddr, "metrics", "", "metrics listen address (disabled when empty)")
}

// Apply copies every flag set on fs into cfg.
func (f *Flags) Apply(fs *pflag.FlagSet, cfg *Config) error {
	set := func(name string) bool {
		fl := fs.Lookup(name)
		return fl != nil && fl.Changed
	}
	if set("public-host") {
		cfg.PublicHost = f.publicHost
	}
	if set("public-port") {
		p, err := ParsePort(f.publicPort)
		if err != nil {
			return fmt.Errorf("--public-port: %w", err)
		}
		cfg.PublicPort = p
	}
	if set("private-port") {
		p, err := ParsePort(f.privatePort)
		if err != nil {
			return fmt.Errorf("--private-port: %w", err)
		}
		cfg.PrivatePort = p
	}
	if set("local") {
		cfg.LocalAddr = f.localAddr
	}
	if set("secret") {
		cfg.Secret = f.secret
	}
	if set("debug") {
		cfg.Debug = f.debug
	}

	if set("bind-host") {
		cfg.Relay.BindHost = f.bindHost
	}
	if set("consumer-host") {
		cfg.Relay.ConsumerHost = f.consumerHost
	}
	if set("handshake-timeout") {
		cfg.Relay.HandshakeTimeout = f.handshakeTimeout
	}
	if set("attempt-rate") {
		cfg.Relay.AttemptRate = f.attemptRate
	}
	if set("attempt-burst") {
		cfg.Relay.AttemptBurst = f.attemptBurst
	}
	if set("redis-addr") {
		cfg.Relay.RedisAddr = f.redisAddr
	}
	if set("redis-password") {
		cfg.Relay.RedisPassword = f.redisPassword
	}
	if set("redis-db") {
		cfg.Relay.RedisDB = f.redisDB
	}
	if set("status-ttl") {
		cfg.Relay.StatusTTL = f.statusTTL
	}

	if set("retry-interval") {
		cfg.Client.RetryInterval = f.retryInterval
	}
	if set("max-retry-interval") {
		cfg.Client.MaxRetryInterval = f.maxRetryInterval
	}
	if set("dial-timeout") {
		cfg.Client.DialTimeout = f.dialTimeout
	}

	if set("metrics") {
		if f.relay {
			cfg.Relay.MetricsAddr = f.metricsAddr
		} else {
			cfg.Client.MetricsAddr = f.metricsAddr
		}
	}
	return nil
}

// Load reads the configuration named by --config and applies the flags on top.
func (f *Flags) Load(fs *pflag.FlagSet) (*Config, error) {
	cfg, err := Load(f.Path)
	if err != nil {
		return nil, err
	}
	if err := f.Apply(fs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
