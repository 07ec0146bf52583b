package rmpp

import (
	"bytes"

	"github.com/backkem/rmpp/pkg/mad"
)

// BeginReceive classifies the context as a receiver awaiting segment 1.
// A double-sided receiver completes only once the peer acknowledges the
// reassembled request, after which its owner sends the reply.
func (c *Context) BeginReceive(doubleSided bool) error {
	if c.state != StateUninitialized {
		return ErrInvalidState
	}
	c.state = StateReceiverActive
	c.expectedSegment = 1
	c.windowFirst = 1
	c.windowLast = uint32(c.params.WindowSize)
	c.doubleSided = doubleSided
	return nil
}

func (c *Context) receiverActive(pkt *mad.Packet) {
	r := &pkt.RMPP

	switch r.Type {
	case mad.TypeAck:
		if c.expectedSegment == 1 {
			c.armResponse()
		}
	case mad.TypeData:
		c.receiveSegment(pkt)
	case mad.TypeStop, mad.TypeAbort:
		c.remoteAbort(r.Status)
	default:
		c.provision(pkt)
		c.abort(mad.StatusBadType)
	}
}

func (c *Context) receiverTerminate(pkt *mad.Packet) {
	r := &pkt.RMPP
	last := c.expectedSegment - 1

	switch r.Type {
	case mad.TypeData:
		c.sendAck(last, c.nextWindow(last))
		c.armLinger()
	case mad.TypeAck:
		if !c.doubleSided {
			c.abort(mad.StatusBadType)
			return
		}
		c.state = StateDone
		c.log.Debugf("tid %#x: peer ready for reply", c.header.TransactionID)
		c.armLinger()
		c.complete(nil)
	case mad.TypeStop, mad.TypeAbort:
		c.remoteAbort(r.Status)
	default:
		c.abort(mad.StatusBadType)
	}
}

// receiveSegment is the receiver main flow for one Data packet. A terminal
// segment carrying more data than the declared total is clamped to it; one
// that leaves the declared total short aborts with InconsistentLastLength.
func (c *Context) receiveSegment(pkt *mad.Packet) {
	r := &pkt.RMPP
	seg := r.SegmentNumber

	if seg != c.expectedSegment {
		c.provision(pkt)
		if c.expectedSegment > 1 {
			last := c.expectedSegment - 1
			newLast := c.nextWindow(last)
			if !c.dynamic {
				newLast = min(newLast, c.numSegments)
			}
			// the peer clamps to the same bound; ack again once it is reached
			c.windowLast = max(c.windowLast, newLast)
			c.sendAck(last, c.nextWindow(last))
		} else {
			c.armResponse()
		}
		return
	}

	first := r.First() || seg == 1
	if first {
		if r.First() != (seg == 1) {
			c.provision(pkt)
			c.abort(mad.StatusInconsistentFirstSegment)
			return
		}
		if !c.startReassembly(pkt) {
			return
		}
	}

	capacity := c.layout.DataSize(c.params.PacketSize)
	dataLen := capacity
	if r.Last() {
		dataLen = int(r.Word) - c.layout.HeaderSize
		if dataLen < 0 || dataLen > capacity {
			c.abort(mad.StatusInconsistentLastLength)
			return
		}
	}
	src := segmentData(pkt.Raw, c.layout)
	if len(src) < dataLen {
		c.abort(mad.StatusInconsistentLastLength)
		return
	}

	end := c.bytesReassembled + dataLen
	switch {
	case !c.dynamic && end >= c.totalLen && !r.Last():
		c.abort(mad.StatusInconsistentLastLength)
		return
	case !c.dynamic && r.Last() && end < c.totalLen:
		c.abort(mad.StatusInconsistentLastLength)
		return
	case !c.dynamic && r.Last():
		dataLen = c.totalLen - c.bytesReassembled
	case c.dynamic && end > len(c.buf):
		size := min(len(c.buf)+c.params.GrowthBatch*capacity, c.params.MaxMessageSize)
		if size < end {
			c.failNoMemory(end)
			return
		}
		buf, err := replaceBuffer(c.params.Allocator, c.buf, c.bytesReassembled, size)
		if err != nil {
			c.failNoMemory(size)
			return
		}
		c.log.Tracef("tid %#x: grew reassembly buffer to %d bytes", c.header.TransactionID, size)
		c.buf = buf
	}

	n := copy(c.buf[c.bytesReassembled:], src[:dataLen])
	c.bytesReassembled += n
	c.expectedSegment++

	if r.Last() {
		c.finishReassembly(seg, first)
		return
	}

	if seg == c.windowLast {
		newLast := c.windowLast + uint32(c.params.WindowSize)
		if !c.dynamic {
			newLast = min(newLast, c.numSegments)
		}
		c.windowLast = newLast
		c.sendAck(seg, newLast)
	}
}

// startReassembly sizes and allocates the reassembly buffer from segment 1.
// Returns false if the transaction aborted.
func (c *Context) startReassembly(pkt *mad.Packet) bool {
	r := &pkt.RMPP

	// the first reply segment of a double-sided transaction replaces the
	// request as reply context
	c.header = pkt.Header
	c.hasHeader = true
	c.layout = c.params.Layout(pkt.Header.MgmtClass)

	capacity := c.layout.DataSize(c.params.PacketSize)
	if capacity <= 0 || len(pkt.Raw) < mad.CommonHeaderSize+c.layout.HeaderOffset+c.layout.HeaderSize {
		c.abort(mad.StatusUnspecifiedError)
		return false
	}
	unit := capacity + c.layout.HeaderSize

	var size int
	if r.Word == 0 {
		c.dynamic = true
		c.numSegments = uint32(c.params.SpeculativeSegments)
		size = min(c.params.GrowthBatch*capacity, c.params.MaxMessageSize)
	} else {
		word := int(r.Word)
		n := (word + unit - 1) / unit
		if word < n*c.layout.HeaderSize {
			c.abort(mad.StatusInconsistentLastLength)
			return false
		}
		c.dynamic = false
		c.numSegments = uint32(n)
		c.totalLen = word - n*c.layout.HeaderSize
		size = c.totalLen
		if size > c.params.MaxMessageSize {
			c.failNoMemory(size)
			return false
		}
	}

	buf, err := c.params.Allocator.Allocate(size)
	if err != nil {
		c.failNoMemory(size)
		return false
	}
	c.buf = buf
	c.bytesReassembled = 0
	c.classHeader = bytes.Clone(c.layout.ClassHeader(pkt.Raw))

	c.windowFirst = 1
	c.windowLast = uint32(c.params.WindowSize)
	if !c.dynamic {
		c.windowLast = min(c.windowLast, c.numSegments)
	}
	c.retries = 0

	if !r.Last() {
		c.host.ScheduleTimer(TimerTransaction, c.params.TransactionTimeout)
	}

	c.log.Debugf("tid %#x: receiving %d segments, %d bytes, dynamic=%v",
		c.header.TransactionID, c.numSegments, size, c.dynamic)
	return true
}

// finishReassembly handles the terminal segment.
func (c *Context) finishReassembly(seg uint32, first bool) {
	if c.dynamic {
		buf, err := replaceBuffer(c.params.Allocator, c.buf, c.bytesReassembled, c.bytesReassembled)
		if err != nil {
			c.failNoMemory(c.bytesReassembled)
			return
		}
		c.buf = buf
		c.totalLen = c.bytesReassembled
		c.numSegments = seg
		c.dynamic = false
	}

	c.state = StateReceiverTerminate
	c.sendAck(seg, c.nextWindow(seg))
	if !first {
		c.host.CancelTimer(TimerTransaction)
	}
	c.armLinger()

	c.log.Debugf("tid %#x: received %d bytes", c.header.TransactionID, c.bytesReassembled)
	c.host.Deliver(&Message{
		Header:      c.header,
		ClassHeader: c.classHeader,
		Data:        c.buf[:c.bytesReassembled],
	})
	if !c.doubleSided {
		c.complete(nil)
	}
}

// nextWindow is the window last advertised in an Ack through seg.
func (c *Context) nextWindow(seg uint32) uint32 {
	return seg + uint32(c.params.WindowSize)
}

// segmentData returns the data region of raw, or nil if raw is too short to
// hold the class header.
func segmentData(raw []byte, layout mad.Layout) []byte {
	if len(raw) < mad.CommonHeaderSize+layout.HeaderOffset+layout.HeaderSize {
		return nil
	}
	return layout.Data(raw)
}
