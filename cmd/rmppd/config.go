package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/backkem/rmpp/pkg/agent"
	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// Config is the rmppd configuration file.
type Config struct {
	// Listen is the UDP address to bind.
	Listen string `yaml:"listen"`

	// Peer is the default destination of send.
	Peer string `yaml:"peer"`

	// Class is the management class served and sent on.
	Class uint8 `yaml:"class"`

	// DoubleSided runs transfers as double-sided transactions.
	DoubleSided bool `yaml:"double_sided"`

	// OmitLength leaves the total length of transfers undeclared.
	OmitLength bool `yaml:"omit_length"`

	WindowSize         int           `yaml:"window_size"`
	PacketSize         int           `yaml:"packet_size"`
	ResponseTimeout    time.Duration `yaml:"response_timeout"`
	TransactionTimeout time.Duration `yaml:"transaction_timeout"`
	MaxRetries         int           `yaml:"max_retries"`

	// MemoryLimit caps the bytes held in reassembly buffers across all
	// transactions.
	MemoryLimit int `yaml:"memory_limit"`

	// MaxMessageSize caps a single reassembled message.
	MaxMessageSize int `yaml:"max_message_size"`

	// LogLevel is one of error, warn, info, debug, trace.
	LogLevel string `yaml:"log_level"`
}

func defaultConfig() Config {
	return Config{
		Listen:   ":7700",
		Class:          uint8(mad.ClassVendorLow),
		MemoryLimit:    rmpp.DefaultMemoryLimit,
		MaxMessageSize: rmpp.DefaultMaxMessageSize,
		LogLevel:       "info",
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := parseLogLevel(c.LogLevel); err != nil {
		return err
	}
	p := c.params()
	if err := p.Validate(); err != nil {
		return err
	}
	if c.MemoryLimit <= 0 {
		return errors.New("memory_limit must be positive")
	}
	return nil
}

func (c *Config) params() rmpp.Params {
	p := rmpp.Params{
		WindowSize:         c.WindowSize,
		PacketSize:         c.PacketSize,
		ResponseTimeout:    c.ResponseTimeout,
		TransactionTimeout: c.TransactionTimeout,
		MaxRetries:         c.MaxRetries,
		MaxMessageSize:     c.MaxMessageSize,
	}
	if c.MemoryLimit > 0 {
		p.Allocator = rmpp.NewHeapAllocator(c.MemoryLimit)
	}
	return p
}

func (c *Config) agentConfig(lf logging.LoggerFactory) agent.Config {
	return agent.Config{
		ListenAddr:    c.Listen,
		Params:        c.params(),
		LoggerFactory: lf,
	}
}

func parseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "", "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
	}
}

func newLoggerFactory(level string) (*logging.DefaultLoggerFactory, error) {
	lvl, err := parseLogLevel(level)
	if err != nil {
		return nil, err
	}
	f := logging.NewDefaultLoggerFactory()
	f.DefaultLogLevel = lvl
	return f, nil
}
