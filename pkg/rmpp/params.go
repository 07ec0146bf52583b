package rmpp

import (
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/pion/logging"
)

// Default engine parameters.
const (
	// DefaultWindowSize is the number of segments a receiver opens per Ack.
	DefaultWindowSize = 64

	// DefaultResponseTimeout is how long a sender waits for an Ack before
	// resending its window.
	DefaultResponseTimeout = 1 * time.Second

	// DefaultTransactionTimeout bounds a whole reassembly.
	DefaultTransactionTimeout = 40 * time.Second

	// DefaultLingerTimeout is how long a finished transaction stays
	// addressable to absorb duplicates.
	DefaultLingerTimeout = 2 * time.Second

	// DefaultMaxRetries is the number of response timeouts tolerated before
	// aborting with Timeout.
	DefaultMaxRetries = 3

	// DefaultGrowthBatch is the number of segments' worth of capacity
	// allocated per step when the total length is unknown.
	DefaultGrowthBatch = 10

	// DefaultSpeculativeSegments is the segment count assumed while the
	// total length is unknown.
	DefaultSpeculativeSegments = 100

	// DefaultMaxMessageSize bounds a single reassembled message.
	DefaultMaxMessageSize = 16 << 20

	// DefaultMemoryLimit bounds the default HeapAllocator.
	DefaultMemoryLimit = 64 << 20
)

// Params configures a transaction Context.
type Params struct {
	// WindowSize is the number of segments opened per receiver Ack.
	// Both peers must use the same value.
	// Default: DefaultWindowSize
	WindowSize int

	// PacketSize is the size of every datagram.
	// Default: mad.Size
	PacketSize int

	// ResponseTimeout is armed after every burst or Ack.
	// Default: DefaultResponseTimeout
	ResponseTimeout time.Duration

	// TransactionTimeout is armed when a multi-segment reassembly starts.
	// Default: DefaultTransactionTimeout
	TransactionTimeout time.Duration

	// LingerTimeout governs teardown after Done or Abort.
	// Default: DefaultLingerTimeout
	LingerTimeout time.Duration

	// MaxRetries is the number of response timeouts tolerated.
	// Default: DefaultMaxRetries
	MaxRetries int

	// GrowthBatch is the number of segments' worth of capacity allocated
	// per step for undeclared lengths.
	// Default: DefaultGrowthBatch
	GrowthBatch int

	// SpeculativeSegments is the segment count assumed for undeclared
	// lengths.
	// Default: DefaultSpeculativeSegments
	SpeculativeSegments int

	// MaxMessageSize is the largest payload a receiver reassembles. A
	// declared total above it, or undeclared growth past it, fails the
	// transaction with ErrNoMemory before anything is allocated.
	// Default: DefaultMaxMessageSize
	MaxMessageSize int

	// Allocator provides reassembly buffers.
	// Default: a HeapAllocator limited to DefaultMemoryLimit
	Allocator Allocator

	// Layout returns the class header layout of a management class.
	// Default: mad.LayoutOf
	Layout func(mad.MgmtClass) mad.Layout

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// DefaultParams returns parameters with every default applied.
func DefaultParams() Params {
	var p Params
	p.applyDefaults()
	return p
}

// Validate checks the parameters for errors.
func (p *Params) Validate() error {
	if p.WindowSize < 0 {
		return ErrInvalidWindow
	}
	if p.PacketSize != 0 && p.PacketSize <= mad.RMPPDataOffset {
		return ErrPacketTooSmall
	}
	if p.ResponseTimeout < 0 || p.TransactionTimeout < 0 || p.LingerTimeout < 0 {
		return ErrInvalidParams
	}
	if p.MaxRetries < 0 || p.GrowthBatch < 0 || p.SpeculativeSegments < 0 || p.MaxMessageSize < 0 {
		return ErrInvalidParams
	}
	return nil
}

// applyDefaults fills in default values for unset fields.
func (p *Params) applyDefaults() {
	if p.WindowSize == 0 {
		p.WindowSize = DefaultWindowSize
	}
	if p.PacketSize == 0 {
		p.PacketSize = mad.Size
	}
	if p.ResponseTimeout == 0 {
		p.ResponseTimeout = DefaultResponseTimeout
	}
	if p.TransactionTimeout == 0 {
		p.TransactionTimeout = DefaultTransactionTimeout
	}
	if p.LingerTimeout == 0 {
		p.LingerTimeout = DefaultLingerTimeout
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.GrowthBatch == 0 {
		p.GrowthBatch = DefaultGrowthBatch
	}
	if p.SpeculativeSegments == 0 {
		p.SpeculativeSegments = DefaultSpeculativeSegments
	}
	if p.MaxMessageSize == 0 {
		p.MaxMessageSize = DefaultMaxMessageSize
	}
	if p.Allocator == nil {
		p.Allocator = NewHeapAllocator(DefaultMemoryLimit)
	}
	if p.Layout == nil {
		p.Layout = mad.LayoutOf
	}
}
