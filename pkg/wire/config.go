// Package wire frames signed envelopes on byte streams with size and time bounds.
package wire

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame limits
const (
	// MaxMessageSize is the hard ceiling on any frame body, whatever the
	// configuration says.
	MaxMessageSize = 16 * 1024 * 1024

	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4

	SmallMessageSize   = 64 * 1024
	DefaultMessageSize = 1024 * 1024
	LargeMessageSize   = 8 * 1024 * 1024

	// SuspiciousMessageSize is logged as a possible probe when a peer
	// declares a frame at least this large.
	SuspiciousMessageSize = 8 * 1024 * 1024
)

// Timeouts
const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 30 * time.Second
	HandshakeTimeout    = 10 * time.Second
)

var ErrInvalidConfig = errors.New("invalid wire config")

// Config bounds frame sizes and I/O durations. It is a plain value and may be
// shared freely.
type Config struct {
	MaxMessageSize int           `yaml:"max_message_size" json:"max_message_size"`
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// NewConfig builds a Config with the given limits.
func NewConfig(maxMessageSize int, readTimeout, writeTimeout time.Duration) Config {
	return Config{
		MaxMessageSize: maxMessageSize,
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
	}
}

// DefaultConfig is the general network profile: 1 MiB frames, 30s timeouts.
func DefaultConfig() Config {
	return NewConfig(DefaultMessageSize, DefaultReadTimeout, DefaultWriteTimeout)
}

// SmallConfig suits control traffic: 64 KiB frames, 10s timeouts.
func SmallConfig() Config {
	return NewConfig(SmallMessageSize, 10*time.Second, 10*time.Second)
}

// LargeConfig suits state sync: 8 MiB frames, 120s timeouts.
func LargeConfig() Config {
	return NewConfig(LargeMessageSize, 120*time.Second, 120*time.Second)
}

// BulkConfig allows frames up to the global ceiling.
func BulkConfig() Config {
	return NewConfig(MaxMessageSize, 120*time.Second, 120*time.Second)
}

// ServerConfig is used by listeners.
func ServerConfig() Config {
	return NewConfig(DefaultMessageSize, 30*time.Second, 30*time.Second)
}

// ClientConfig is used by dialers.
func ClientConfig() Config {
	return NewConfig(DefaultMessageSize, 20*time.Second, 20*time.Second)
}

// HandshakeConfig bounds handshake frames.
func HandshakeConfig() Config {
	return NewConfig(SmallMessageSize, HandshakeTimeout, HandshakeTimeout)
}

var presets = map[string]func() Config{
	"default":   DefaultConfig,
	"small":     SmallConfig,
	"large":     LargeConfig,
	"bulk":      BulkConfig,
	"server":    ServerConfig,
	"client":    ClientConfig,
	"handshake": HandshakeConfig,
}

// PresetConfig returns the named preset.
func PresetConfig(name string) (Config, error) {
	preset, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
	}
	return preset(), nil
}

// Limit returns the effective frame size limit.
func (c Config) Limit() int {
	if c.MaxMessageSize > MaxMessageSize {
		return MaxMessageSize
	}
	if c.MaxMessageSize < 0 {
		return 0
	}
	return c.MaxMessageSize
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.MaxMessageSize > MaxMessageSize {
		return fmt.Errorf("%w: max message size %d exceeds ceiling %d", ErrInvalidConfig, c.MaxMessageSize, MaxMessageSize)
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}
