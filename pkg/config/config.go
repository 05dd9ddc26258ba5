// Package config loads mate node configuration from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ZentaChain/mate-node/pkg/api"
	"github.com/ZentaChain/mate-node/pkg/network"
	"github.com/ZentaChain/mate-node/pkg/protocol"
	"github.com/ZentaChain/mate-node/pkg/storage"
	"github.com/ZentaChain/mate-node/pkg/wire"
)

var ErrInvalid = errors.New("invalid configuration")

// Environment overrides
const (
	EnvListen     = "MATE_LISTEN"
	EnvIdentity   = "MATE_IDENTITY"
	EnvAPIPort    = "MATE_API_PORT"
	EnvDB         = "MATE_DB"
	EnvWirePreset = "MATE_WIRE_PRESET"
)

// Config is the full node configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Wire    WireConfig    `yaml:"wire"`
	Retry   RetryConfig   `yaml:"retry"`
	Server  ServerConfig  `yaml:"server"`
	API     APIConfig     `yaml:"api"`
	Storage StorageConfig `yaml:"storage"`
}

type NodeConfig struct {
	ListenAddr       string        `yaml:"listen"`
	IdentityPath     string        `yaml:"identity"`
	Debug            bool          `yaml:"debug"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	MaxMessageAge    time.Duration `yaml:"max_message_age"` // 0 disables freshness checks
	MaxClockSkew     time.Duration `yaml:"max_clock_skew"`
	MessageRate      float64       `yaml:"message_rate"` // per connection, 0 disables
	MessageBurst     int           `yaml:"message_burst"`
}

// WireConfig starts from a named preset; non-zero fields override it.
type WireConfig struct {
	Preset         string        `yaml:"preset"`
	MaxMessageSize int           `yaml:"max_message_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
}

type RetryConfig struct {
	Strategy    string        `yaml:"strategy"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type ServerConfig struct {
	MaxConnections  int           `yaml:"max_connections"`
	AcceptRate      float64       `yaml:"accept_rate"` // 0 disables
	AcceptBurst     int           `yaml:"accept_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type APIConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen"`
	RateLimit  int      `yaml:"rate_limit"`
	EnableCORS bool     `yaml:"cors"`
	APIKeys    []string `yaml:"api_keys"`
}

type StorageConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	apiDefaults := api.DefaultConfig()
	return &Config{
		Node: NodeConfig{
			ListenAddr:       "0.0.0.0:9001",
			IdentityPath:     "mate_identity.json",
			HandshakeTimeout: wire.HandshakeTimeout,
			MaxMessageAge:    protocol.DefaultMaxMessageAge,
			MaxClockSkew:     protocol.DefaultMaxClockSkew,
		},
		Wire: WireConfig{Preset: "server"},
		Retry: RetryConfig{
			Strategy:    network.RetryNormal.String(),
			DialTimeout: network.DefaultDialTimeout,
		},
		Server: ServerConfig{
			MaxConnections:  network.DefaultMaxConnections,
			ShutdownTimeout: network.DefaultShutdownTimeout,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: apiDefaults.ListenAddr,
			RateLimit:  apiDefaults.RateLimit,
			EnableCORS: apiDefaults.EnableCORS,
		},
		Storage: StorageConfig{
			Enabled:         true,
			Path:            "mate.db",
			Retention:       storage.DefaultRetention,
			CleanupInterval: storage.DefaultCleanupInterval,
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values; unknown keys are an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from MATE_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvListen)); v != "" {
		c.Node.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvIdentity)); v != "" {
		c.Node.IdentityPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDB)); v != "" {
		c.Storage.Path = v
		c.Storage.Enabled = true
	}
	if v := strings.TrimSpace(os.Getenv(EnvWirePreset)); v != "" {
		c.Wire.Preset = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvAPIPort)); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s=%q is not a port", ErrInvalid, EnvAPIPort, v)
		}
		host, _, err := net.SplitHostPort(c.API.ListenAddr)
		if err != nil {
			host = ""
		}
		c.API.ListenAddr = net.JoinHostPort(host, strconv.Itoa(port))
		c.API.Enabled = true
	}
	return nil
}

// Validate reports configuration mistakes.
func (c *Config) Validate() error {
	if c.Node.ListenAddr == "" {
		return fmt.Errorf("%w: node.listen is required", ErrInvalid)
	}
	if _, err := network.ResolveAddress(c.Node.ListenAddr); err != nil {
		return fmt.Errorf("%w: node.listen: %v", ErrInvalid, err)
	}
	if c.Node.IdentityPath == "" {
		return fmt.Errorf("%w: node.identity is required", ErrInvalid)
	}
	if c.Node.MaxMessageAge < 0 || c.Node.MaxClockSkew < 0 {
		return fmt.Errorf("%w: freshness window must not be negative", ErrInvalid)
	}
	if c.Node.MessageRate < 0 || c.Node.MessageBurst < 0 {
		return fmt.Errorf("%w: message rate must not be negative", ErrInvalid)
	}

	if _, err := c.WireConfig(); err != nil {
		return fmt.Errorf("%w: wire: %v", ErrInvalid, err)
	}
	if _, err := network.ParseRetryStrategy(c.Retry.Strategy); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalid, err)
	}

	if c.Server.MaxConnections < 0 || c.Server.AcceptRate < 0 || c.Server.AcceptBurst < 0 {
		return fmt.Errorf("%w: server limits must not be negative", ErrInvalid)
	}

	if c.API.Enabled {
		if _, _, err := net.SplitHostPort(c.API.ListenAddr); err != nil {
			return fmt.Errorf("%w: api.listen: %v", ErrInvalid, err)
		}
		if c.API.RateLimit < 0 {
			return fmt.Errorf("%w: api.rate_limit must not be negative", ErrInvalid)
		}
	}

	if c.Storage.Enabled {
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required when storage is enabled", ErrInvalid)
		}
		if c.Storage.Retention < 0 {
			return fmt.Errorf("%w: storage.retention must not be negative", ErrInvalid)
		}
	}
	return nil
}

// WireConfig resolves the preset and applies overrides.
func (c *Config) WireConfig() (wire.Config, error) {
	preset := c.Wire.Preset
	if preset == "" {
		preset = "default"
	}
	cfg, err := wire.PresetConfig(preset)
	if err != nil {
		return wire.Config{}, err
	}
	if c.Wire.MaxMessageSize != 0 {
		cfg.MaxMessageSize = c.Wire.MaxMessageSize
	}
	if c.Wire.ReadTimeout != 0 {
		cfg.ReadTimeout = c.Wire.ReadTimeout
	}
	if c.Wire.WriteTimeout != 0 {
		cfg.WriteTimeout = c.Wire.WriteTimeout
	}
	if err := cfg.Validate(); err != nil {
		return wire.Config{}, err
	}
	return cfg, nil
}

// RetryPolicy returns the policy for the configured strategy.
func (c *Config) RetryPolicy() (network.RetryPolicy, error) {
	s, err := network.ParseRetryStrategy(c.Retry.Strategy)
	if err != nil {
		return network.RetryPolicy{}, err
	}
	return s.Policy(), nil
}

// NetworkOptions translates the node, wire, retry and server sections into
// network options. Client-only and server-only options are both included;
// each receiver ignores the ones that do not apply.
func (c *Config) NetworkOptions() ([]network.Option, error) {
	wcfg, err := c.WireConfig()
	if err != nil {
		return nil, err
	}
	policy, err := c.RetryPolicy()
	if err != nil {
		return nil, err
	}

	return []network.Option{
		network.WithWireConfig(wcfg),
		network.WithHandshakeTimeout(c.Node.HandshakeTimeout),
		network.WithFreshness(c.Node.MaxMessageAge, c.Node.MaxClockSkew),
		network.WithMessageRate(c.Node.MessageRate, c.Node.MessageBurst),
		network.WithRetryPolicy(policy),
		network.WithDialTimeout(c.Retry.DialTimeout),
		network.WithMaxConnections(c.Server.MaxConnections),
		network.WithAcceptRate(c.Server.AcceptRate, c.Server.AcceptBurst),
		network.WithShutdownTimeout(c.Server.ShutdownTimeout),
	}, nil
}

// APIConfig returns the status server configuration.
func (c *Config) APIConfig() *api.Config {
	cfg := api.DefaultConfig()
	cfg.ListenAddr = c.API.ListenAddr
	cfg.RateLimit = c.API.RateLimit
	cfg.EnableCORS = c.API.EnableCORS
	cfg.APIKeys = c.API.APIKeys
	return cfg
}

// OpenStorage opens the envelope log, or returns nil when storage is
// disabled.
func (c *Config) OpenStorage(logger *zap.Logger) (*storage.EnvelopeLog, error) {
	if !c.Storage.Enabled {
		return nil, nil
	}
	return storage.NewEnvelopeLog(c.Storage.Path, c.Storage.Retention,
		storage.WithLogger(logger),
		storage.WithCleanupInterval(c.Storage.CleanupInterval),
	)
}
