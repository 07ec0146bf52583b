package agent

import (
	"fmt"
	"net"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
	"github.com/pion/logging"
)

// Config configures an Agent.
type Config struct {
	// Conn is an optional pre-existing PacketConn, such as a
	// transport.PipePacketConn. If nil, ListenAddr is bound.
	Conn net.PacketConn

	// ListenAddr is the UDP address to listen on. Ignored if Conn is set.
	ListenAddr string

	// Params is applied to every transaction. Params.PacketSize also sets
	// the datagram size of the transport.
	Params rmpp.Params

	// LoggerFactory is the factory for creating loggers. It is handed to
	// the transport and, unless Params sets its own, to every transaction.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if err := c.Params.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	return nil
}

// applyDefaults fills in default values for unset fields. The allocator is
// shared so its limit covers every transaction.
func (c *Config) applyDefaults() {
	if c.Params.PacketSize == 0 {
		c.Params.PacketSize = mad.Size
	}
	if c.Params.Layout == nil {
		c.Params.Layout = mad.LayoutOf
	}
	if c.Params.Allocator == nil {
		c.Params.Allocator = rmpp.NewHeapAllocator(rmpp.DefaultMemoryLimit)
	}
	if c.Params.LoggerFactory == nil {
		c.Params.LoggerFactory = c.LoggerFactory
	}
}
