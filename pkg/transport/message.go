package transport

import "net"

// Datagram is one received datagram.
type Datagram struct {
	// Data holds the raw datagram bytes.
	Data []byte
	// Peer is the source address.
	Peer net.Addr
}

// Handler is called for each received datagram from the read loop.
// Implementations should return quickly.
type Handler func(d *Datagram)
