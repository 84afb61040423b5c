// Package config loads and validates the bridge configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/MEMOxiiii/odonata-bridge/pkg/logger"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the bridge.
type Config struct {
	Proxy        ProxyConfig     `yaml:"proxy"`
	Upstream     UpstreamConfig  `yaml:"upstream"`
	AccountsFile string          `yaml:"accounts_file"`
	AddonsDir    string          `yaml:"addons_dir"`
	KeyPool      KeyPoolConfig   `yaml:"key_pool"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
	Admin        AdminConfig     `yaml:"admin"`
	Logging      LoggingConfig   `yaml:"logging"`
}

// ProxyConfig holds settings for the client-facing listener.
type ProxyConfig struct {
	// BindPort is the TCP port clients connect to. It listens on all interfaces.
	BindPort int `yaml:"bind_port"`

	// MaxPacketSize caps the declared length of a single frame.
	MaxPacketSize int `yaml:"max_packet_size"`

	// ClientCompression keeps the compression the origin asks for on the
	// client leg too. When false the set-compression packet is swallowed and
	// the client leg stays uncompressed.
	ClientCompression bool `yaml:"client_compression"`

	// DialTimeout bounds connecting to the upstream server.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxConnections is the number of simultaneous client connections
	// accepted. 0 means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// UpstreamConfig names the origin server every connection is bridged to.
type UpstreamConfig struct {
	Host string `yaml:"host"`

	// Port of the origin. 0 resolves the _minecraft._tcp SRV record of Host
	// and falls back to 25565.
	Port int `yaml:"port"`
}

// KeyPoolConfig sizes the pool of pre-generated handshake key pairs.
type KeyPoolConfig struct {
	Size int `yaml:"size"`
	Bits int `yaml:"bits"`
}

// RateLimitConfig controls per-IP token-bucket admission of new connections.
type RateLimitConfig struct {
	Enabled              bool          `yaml:"enabled"`
	ConnectionsPerSecond float64       `yaml:"connections_per_second"`
	Burst                int           `yaml:"burst"`
	CleanupInterval      time.Duration `yaml:"cleanup_interval"`
}

// AdminConfig controls the optional HTTP admin surface.
type AdminConfig struct {
	// Listen is the address:port of the admin server. Empty disables it.
	Listen string `yaml:"listen"`
}

// LoggingConfig controls structured log output.
type LoggingConfig struct {
	// Level: debug | info | warn | error
	Level string `yaml:"level"`
	// Format: console | json
	Format     string `yaml:"format"`
	OutputFile string `yaml:"output_file"`
}

// Logger returns the logger.Config described by the logging section.
func (l LoggingConfig) Logger() logger.Config {
	return logger.Config{Level: l.Level, Format: l.Format, OutputFile: l.OutputFile}
}

// Overrides are values given on the command line. Zero fields leave the
// file's value untouched.
type Overrides struct {
	BindPort     int
	UpstreamHost string
	UpstreamPort int
	AccountsFile string
	AddonsDir    string
}

// Load reads, decodes, and validates the YAML config at path. An empty path
// starts from an empty document so the bridge can run on flags alone.
func Load(path string, o Overrides) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file %q: %w", path, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("decode config file %q: %w", path, err)
		}
	}

	cfg.apply(o)
	applyDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// BindAddr is the listener address.
func (c *Config) BindAddr() string {
	return ":" + strconv.Itoa(c.Proxy.BindPort)
}

func (c *Config) apply(o Overrides) {
	if o.BindPort != 0 {
		c.Proxy.BindPort = o.BindPort
	}
	if o.UpstreamHost != "" {
		c.Upstream.Host = o.UpstreamHost
	}
	if o.UpstreamPort != 0 {
		c.Upstream.Port = o.UpstreamPort
	}
	if o.AccountsFile != "" {
		c.AccountsFile = o.AccountsFile
	}
	if o.AddonsDir != "" {
		c.AddonsDir = o.AddonsDir
	}
}

func (c *Config) validate() error {
	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host must not be empty")
	}
	if c.Proxy.BindPort < 1 || c.Proxy.BindPort > 65535 {
		return fmt.Errorf("proxy.bind_port %d out of range", c.Proxy.BindPort)
	}
	if c.Upstream.Port < 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port %d out of range", c.Upstream.Port)
	}
	if c.Proxy.MaxConnections < 0 {
		return fmt.Errorf("proxy.max_connections must be >= 0")
	}
	if c.KeyPool.Bits < 512 {
		return fmt.Errorf("key_pool.bits must be >= 512")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.ConnectionsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.connections_per_second must be > 0")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be > 0")
		}
	}
	if _, err := logger.Level(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// DefaultAccountsFile is used when neither the file nor a flag names one.
const DefaultAccountsFile = "accounts.json"

func applyDefaults(c *Config) {
	if c.Proxy.BindPort == 0 {
		c.Proxy.BindPort = 25565
	}
	if c.Proxy.MaxPacketSize == 0 {
		c.Proxy.MaxPacketSize = 2097151
	}
	if c.Proxy.DialTimeout == 0 {
		c.Proxy.DialTimeout = 10 * time.Second
	}
	if c.AccountsFile == "" {
		c.AccountsFile = DefaultAccountsFile
	}
	if c.AddonsDir == "" {
		c.AddonsDir = "addons"
	}
	if c.KeyPool.Size == 0 {
		c.KeyPool.Size = 4
	}
	if c.KeyPool.Bits == 0 {
		c.KeyPool.Bits = 1024
	}
	if c.RateLimit.CleanupInterval == 0 {
		c.RateLimit.CleanupInterval = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}
