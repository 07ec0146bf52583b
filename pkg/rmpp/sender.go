package rmpp

import (
	"fmt"
	"math"

	"github.com/backkem/rmpp/pkg/mad"
)

// StartSend classifies the context as a sender for msg and transmits the
// first window.
func (c *Context) StartSend(msg *Message, opts SendOptions) error {
	if c.state != StateUninitialized {
		return ErrInvalidState
	}

	layout := c.params.Layout(msg.Header.MgmtClass)
	capacity := layout.DataSize(c.params.PacketSize)
	if capacity <= 0 {
		return ErrPacketTooSmall
	}
	if len(msg.ClassHeader) > layout.HeaderSize {
		return fmt.Errorf("class header of %d bytes: %w", len(msg.ClassHeader), mad.ErrPayloadTooLarge)
	}

	total := len(msg.Data)
	n := 1
	if total > 0 {
		n = (total + capacity - 1) / capacity
	}
	if uint64(total)+uint64(n)*uint64(layout.HeaderSize) > math.MaxUint32 {
		return ErrMessageTooLarge
	}

	c.header = msg.Header
	c.hasHeader = true
	c.layout = layout
	c.classHeader = msg.ClassHeader
	c.payload = msg.Data

	c.totalLen = total
	c.numSegments = uint32(n)
	c.segmentLen = min(total, capacity)
	c.lastSegmentLen = total - (n-1)*capacity

	c.windowFirst = 1
	c.nextToSend = 1
	c.windowLast = min(uint32(c.params.WindowSize), c.numSegments)
	c.doubleSided = opts.DoubleSided
	c.omitLength = opts.OmitLength
	c.state = StateSenderActive

	c.log.Debugf("tid %#x: sending %d bytes in %d segments, window %d",
		c.header.TransactionID, total, n, c.windowLast)

	return c.SendWindow()
}

// SendWindow transmits every segment from next-to-send through window-last
// and arms the response timer. If a transmit fails the burst stops, the
// timer is still armed and the error is returned; the window is resent when
// the timer expires.
func (c *Context) SendWindow() error {
	if c.state != StateSenderActive {
		return ErrInvalidState
	}

	for c.nextToSend <= c.windowLast {
		pkt, err := c.buildSegment(c.nextToSend)
		if err == nil {
			err = c.host.Transmit(pkt)
		}
		if err != nil {
			c.log.Warnf("tid %#x: segment %d send failed: %v", c.header.TransactionID, c.nextToSend, err)
			c.armResponse()
			return err
		}
		c.nextToSend++
	}

	c.log.Tracef("tid %#x: window %d-%d sent", c.header.TransactionID, c.windowFirst, c.windowLast)
	c.armResponse()
	return nil
}

// segmentWord returns the payload length word of a Data segment. The first
// segment declares the total payload plus one class header per segment, the
// last declares its own data plus one class header.
func (c *Context) segmentWord(seg uint32) uint32 {
	hdr := c.layout.HeaderSize
	n := c.numSegments
	switch {
	case seg == 1:
		if c.omitLength && n > 1 {
			return 0
		}
		return uint32(c.totalLen + int(n)*hdr)
	case seg == n:
		return uint32(c.lastSegmentLen + hdr)
	default:
		return uint32(c.segmentLen)
	}
}

func (c *Context) buildSegment(seg uint32) ([]byte, error) {
	capacity := c.layout.DataSize(c.params.PacketSize)
	start := int(seg-1) * capacity
	end := min(start+capacity, len(c.payload))

	var flags mad.Flags
	if seg == 1 {
		flags |= mad.FlagFirst
	}
	if seg == c.numSegments {
		flags |= mad.FlagLast
	}

	c.stage(mad.TypeData, mad.StatusNormal, seg, c.segmentWord(seg))
	return c.build(flags, c.classHeader, c.payload[start:end])
}

func (c *Context) senderActive(pkt *mad.Packet) {
	r := &pkt.RMPP

	switch r.Type {
	case mad.TypeAck:
	case mad.TypeData:
		// the peer lost its state; keep the current window going
		_ = c.SendWindow()
		return
	case mad.TypeStop, mad.TypeAbort:
		c.remoteAbort(r.Status)
		return
	default:
		c.abort(mad.StatusBadType)
		return
	}

	seg, newLast := r.SegmentNumber, r.Word
	if seg > c.windowLast {
		c.abort(mad.StatusSegmentTooBig)
		return
	}
	if seg < c.windowFirst {
		_ = c.SendWindow()
		return
	}
	if newLast < c.windowLast {
		c.abort(mad.StatusWindowToSegment)
		return
	}
	c.retries = 0

	if seg == c.numSegments {
		c.sendDone = true
		if c.doubleSided {
			c.doubleSided = false
			c.state = StateSenderSwitch
			c.windowFirst, c.windowLast, c.expectedSegment = 1, 1, 1
			c.log.Debugf("tid %#x: request acknowledged, awaiting reply", c.header.TransactionID)
			c.sendAck(0, 1)
			c.armResponse()
			return
		}
		c.state = StateDone
		c.log.Debugf("tid %#x: send complete", c.header.TransactionID)
		c.armLinger()
		c.complete(nil)
		return
	}

	c.windowFirst = seg + 1
	c.nextToSend = max(c.nextToSend, seg+1)
	c.windowLast = min(newLast, c.numSegments)
	_ = c.SendWindow()
}

func (c *Context) senderSwitch(pkt *mad.Packet) {
	r := &pkt.RMPP

	switch r.Type {
	case mad.TypeAck:
		c.sendAck(0, 1)
		c.armResponse()
	case mad.TypeData:
		c.state = StateReceiverActive
		c.retries = 0
		c.receiveSegment(pkt)
	case mad.TypeStop, mad.TypeAbort:
		c.remoteAbort(r.Status)
	default:
		c.abort(mad.StatusBadType)
	}
}
