package transport

import (
	"net"
	"sync"
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/pion/logging"
)

// UDP carries one management datagram per UDP datagram.
// It wraps a net.PacketConn and runs a read loop that calls the configured
// Handler for each received datagram.
type UDP struct {
	conn    net.PacketConn
	handler Handler
	size    int
	closeCh chan struct{}
	wg      sync.WaitGroup
	log     logging.LeveledLogger

	mu      sync.RWMutex
	started bool
	closed  bool
}

// UDPConfig configures the UDP transport.
type UDPConfig struct {
	// Conn is an optional pre-existing PacketConn to use, such as a
	// PipePacketConn. If nil, a new connection is created using ListenAddr.
	Conn net.PacketConn

	// ListenAddr is the address to listen on (e.g., "127.0.0.1:7700").
	// Ignored if Conn is provided.
	ListenAddr string

	// DatagramSize is the maximum datagram size.
	// Default: mad.Size
	DatagramSize int

	// Handler is called for each received datagram.
	// Required.
	Handler Handler

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// NewUDP creates a new UDP transport with the given configuration.
func NewUDP(config UDPConfig) (*UDP, error) {
	if config.Handler == nil {
		return nil, ErrNoHandler
	}

	u := &UDP{
		conn:    config.Conn,
		handler: config.Handler,
		size:    config.DatagramSize,
		closeCh: make(chan struct{}),
	}
	if u.size == 0 {
		u.size = mad.Size
	}

	if config.LoggerFactory != nil {
		u.log = config.LoggerFactory.NewLogger("transport-udp")
	}

	if u.conn == nil {
		addr := config.ListenAddr
		if addr == "" {
			addr = ":0"
		}
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return nil, err
		}
		u.conn = conn
	}

	return u, nil
}

// Start begins the read loop.
func (u *UDP) Start() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	if u.started {
		u.mu.Unlock()
		return ErrAlreadyStarted
	}
	u.started = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Infof("starting UDP transport on %s", u.conn.LocalAddr())
	}

	u.wg.Add(1)
	go u.readLoop()

	return nil
}

// Stop closes the transport and waits for the read loop to exit.
func (u *UDP) Stop() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	u.closed = true
	u.mu.Unlock()

	if u.log != nil {
		u.log.Info("stopping UDP transport")
	}

	close(u.closeCh)

	// unblock a pending read
	_ = u.conn.SetReadDeadline(time.Now())
	_ = u.conn.Close()
	u.wg.Wait()

	return nil
}

// Send writes one datagram to addr. It does not wait for the peer.
func (u *UDP) Send(data []byte, addr net.Addr) error {
	u.mu.RLock()
	closed := u.closed
	u.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	if addr == nil {
		return ErrInvalidAddress
	}
	if len(data) > u.size {
		return ErrDatagramTooLarge
	}

	if u.log != nil {
		u.log.Tracef("sending %d bytes to %v", len(data), addr)
	}

	if _, err := u.conn.WriteTo(data, addr); err != nil {
		if u.log != nil {
			u.log.Warnf("send to %v failed: %v", addr, err)
		}
		return err
	}
	return nil
}

// LocalAddr returns the local address the transport is bound to.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

// DatagramSize returns the maximum datagram size.
func (u *UDP) DatagramSize() int {
	return u.size
}

func (u *UDP) readLoop() {
	defer u.wg.Done()

	// one spare byte detects oversized datagrams
	buf := make([]byte, u.size+1)

	for {
		select {
		case <-u.closeCh:
			return
		default:
		}

		n, addr, err := u.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
				if u.log != nil {
					u.log.Warnf("UDP read error: %v", err)
				}
				continue
			}
		}

		if n == 0 {
			continue
		}
		if n > u.size {
			if u.log != nil {
				u.log.Warnf("dropping oversized datagram from %v", addr)
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if u.log != nil {
			u.log.Tracef("received %d bytes from %v", n, addr)
		}

		u.handler(&Datagram{Data: data, Peer: addr})
	}
}
