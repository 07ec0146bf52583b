package rmpp

import (
	"fmt"

	"github.com/backkem/rmpp/pkg/mad"
)

// ValidStatus reports whether the status is legal for the packet type.
// Data and Ack carry Normal, ResourceExhausted appears only on Stop and the
// error statuses only on Abort.
func ValidStatus(r *mad.RMPPHeader) bool {
	switch {
	case (r.Type == mad.TypeData || r.Type == mad.TypeAck) && r.Status != mad.StatusNormal:
		return false
	case r.Status == mad.StatusResourceExhausted && r.Type != mad.TypeStop:
		return false
	case r.Status.AbortOnly() && r.Type != mad.TypeAbort:
		return false
	}
	return true
}

// stage sets the outgoing control fields.
func (c *Context) stage(t mad.Type, status mad.Status, segment, word uint32) {
	c.outType = t
	c.outStatus = status
	c.outSegment = segment
	c.outWord = word
}

// build encodes a datagram from the staged fields.
func (c *Context) build(flags mad.Flags, classHeader, data []byte) ([]byte, error) {
	r := mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          c.outType,
		RRespTime:     mad.RRespTimeNone,
		Flags:         mad.FlagActive | flags,
		Status:        c.outStatus,
		SegmentNumber: c.outSegment,
		Word:          c.outWord,
	}
	return mad.Build(c.params.PacketSize, &c.header, &r, c.layout, classHeader, data)
}

// sendControl transmits the staged control packet. Best effort: failures
// are logged, never retried.
func (c *Context) sendControl() {
	pkt, err := c.build(0, nil, nil)
	if err == nil {
		err = c.host.Transmit(pkt)
	}
	if err != nil {
		c.log.Warnf("tid %#x: %s send failed: %v", c.header.TransactionID, c.outType, err)
	}
}

func (c *Context) sendAck(segment, newWindowLast uint32) {
	c.log.Tracef("tid %#x: ack %d window %d", c.header.TransactionID, segment, newWindowLast)
	c.stage(mad.TypeAck, mad.StatusNormal, segment, newWindowLast)
	c.sendControl()
}

// provision makes the packet the reply context if none exists yet, so an
// Abort can be addressed.
func (c *Context) provision(pkt *mad.Packet) {
	if c.hasHeader {
		return
	}
	c.header = pkt.Header
	c.layout = c.params.Layout(pkt.Header.MgmtClass)
	c.hasHeader = true
}

// abort fails the transaction locally and notifies the peer.
func (c *Context) abort(status mad.Status) {
	if c.hasHeader {
		c.stage(mad.TypeAbort, status, 0, 0)
		c.sendControl()
	}
	c.log.Warnf("tid %#x: abort in %s: %s", c.header.TransactionID, c.state, status)
	c.enterAbort()
	c.complete(&AbortError{Status: status})
}

// remoteAbort handles a Stop or Abort from the peer.
func (c *Context) remoteAbort(status mad.Status) {
	c.log.Infof("tid %#x: peer aborted in %s: %s", c.header.TransactionID, c.state, status)
	c.enterAbort()
	c.complete(&AbortError{Status: status, Remote: true})
}

// failNoMemory aborts without a wire Abort.
func (c *Context) failNoMemory(size int) {
	c.log.Errorf("tid %#x: cannot allocate %d bytes", c.header.TransactionID, size)
	c.enterAbort()
	c.complete(fmt.Errorf("reassembly of %d bytes: %w", size, ErrNoMemory))
}

func (c *Context) enterAbort() {
	if c.state == StateSenderActive || c.state == StateSenderSwitch {
		c.sendDone = true
	}
	c.state = StateAbort
	c.host.CancelTimer(TimerTransaction)
	c.armLinger()
}
