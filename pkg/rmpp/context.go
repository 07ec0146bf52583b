package rmpp

import (
	"io"
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/pion/logging"
)

// Message is an application message carried by a transaction.
type Message struct {
	// Header carries class, method, transaction ID and attribute. It is
	// repeated in every segment.
	Header mad.Header

	// ClassHeader is the class-specific header placed in every segment.
	// At most Layout.HeaderSize bytes.
	ClassHeader []byte

	// Data is the message body.
	Data []byte
}

// Host is the collaborator a Context drives. Every call is made from within
// HandleInbound, Expire, StartSend or SendWindow, with the owner's lock held;
// implementations must not call back into the Context.
type Host interface {
	// Transmit enqueues exactly one datagram without blocking.
	Transmit(pkt []byte) error

	// ScheduleTimer arms a timer, replacing a pending timer of the same kind.
	// Expiry must be reported through Context.Expire under the owner's lock.
	ScheduleTimer(kind TimerKind, d time.Duration)

	// CancelTimer disarms a timer. Cancelling an idle timer is a no-op.
	CancelTimer(kind TimerKind)

	// Deliver hands over a fully reassembled message. Data aliases the
	// reassembly buffer and is valid until the context is released.
	Deliver(msg *Message)

	// Complete is called exactly once with nil on success or the reason the
	// transaction failed.
	Complete(err error)
}

// SendOptions modifies a sender transaction.
type SendOptions struct {
	// DoubleSided flips the transaction to receiving a reply once the
	// request is fully acknowledged.
	DoubleSided bool

	// OmitLength leaves the total length undeclared in the first segment,
	// so the receiver discovers it from the terminal segment.
	OmitLength bool
}

// Context is the state of one multi-packet transaction. It is not safe for
// concurrent use; the owner serializes all calls.
type Context struct {
	params Params
	host   Host
	log    logging.LeveledLogger

	state State

	windowFirst     uint32
	windowLast      uint32
	nextToSend      uint32
	expectedSegment uint32

	totalLen         int
	numSegments      uint32
	segmentLen       int
	lastSegmentLen   int
	bytesReassembled int

	doubleSided bool
	dynamic     bool
	omitLength  bool

	// header is the reply context used for every outbound packet.
	header      mad.Header
	hasHeader   bool
	layout      mad.Layout
	classHeader []byte

	payload []byte // send buffer
	buf     []byte // reassembly buffer

	outType    mad.Type
	outStatus  mad.Status
	outSegment uint32
	outWord    uint32

	sendDone  bool
	completed bool
	finished  bool
	retries   int
}

// NewContext creates an uninitialized transaction context.
func NewContext(params Params, host Host) (*Context, error) {
	if host == nil {
		return nil, ErrNoHost
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.applyDefaults()

	c := &Context{
		params: params,
		host:   host,
		state:  StateUninitialized,
	}
	if params.LoggerFactory != nil {
		c.log = params.LoggerFactory.NewLogger("rmpp")
	} else {
		c.log = logging.NewDefaultLeveledLoggerForScope("rmpp", logging.LogLevelDisabled, io.Discard)
	}
	return c, nil
}

// State returns the current protocol state.
func (c *Context) State() State {
	return c.state
}

// Window returns window-first, window-last and next-to-send.
func (c *Context) Window() (first, last, next uint32) {
	return c.windowFirst, c.windowLast, c.nextToSend
}

// ExpectedSegment returns the next segment number the receiver expects.
func (c *Context) ExpectedSegment() uint32 {
	return c.expectedSegment
}

// BytesReassembled returns the number of bytes copied into the reassembly
// buffer so far.
func (c *Context) BytesReassembled() int {
	return c.bytesReassembled
}

// BufferSize returns the current reassembly buffer size.
func (c *Context) BufferSize() int {
	return len(c.buf)
}

// NumSegments returns the segment count, speculative while Dynamic.
func (c *Context) NumSegments() uint32 {
	return c.numSegments
}

// TotalLength returns the total payload length, provisional while Dynamic.
func (c *Context) TotalLength() int {
	return c.totalLen
}

// Dynamic reports whether the receiver is still discovering the length.
func (c *Context) Dynamic() bool {
	return c.dynamic
}

// DoubleSided reports whether the transaction expects a reply after its
// send half.
func (c *Context) DoubleSided() bool {
	return c.doubleSided
}

// Header returns the reply context header.
func (c *Context) Header() mad.Header {
	return c.header
}

// Finished reports whether the linger period has elapsed after Done or
// Abort, so the owner may tear the context down.
func (c *Context) Finished() bool {
	return c.finished
}

// Release frees the buffers. The owner calls it once at teardown.
func (c *Context) Release() {
	if c.buf != nil {
		c.params.Allocator.Release(c.buf)
		c.buf = nil
	}
	c.payload = nil
}

func (c *Context) armResponse() {
	c.host.ScheduleTimer(TimerResponse, c.params.ResponseTimeout)
}

func (c *Context) armLinger() {
	c.host.ScheduleTimer(TimerResponse, c.params.LingerTimeout)
}

func (c *Context) complete(err error) {
	if c.completed {
		return
	}
	c.completed = true
	c.host.Complete(err)
}
