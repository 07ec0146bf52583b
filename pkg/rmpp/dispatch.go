package rmpp

import "github.com/backkem/rmpp/pkg/mad"

// HandleInbound processes one inbound RMPP packet. The caller holds the
// owner's lock for the duration of the call.
//
// Flow:
//  1. Reject an unsupported RMPP version with UnsupportedVersion
//  2. Reject a status that does not fit the packet type with InvalidStatus
//  3. Dispatch on state to the sender, switch or receiver flow
func (c *Context) HandleInbound(pkt *mad.Packet) {
	r := &pkt.RMPP
	c.log.Tracef("tid %#x: %s seg %d word %d status %s in %s",
		pkt.Header.TransactionID, r.Type, r.SegmentNumber, r.Word, r.Status, c.state)

	if r.Version != mad.RMPPVersion {
		c.reject(pkt, mad.StatusUnsupportedVersion)
		return
	}
	if !ValidStatus(r) {
		c.reject(pkt, mad.StatusInvalidStatus)
		return
	}

	switch c.state {
	case StateSenderActive:
		c.senderActive(pkt)
	case StateSenderSwitch:
		c.senderSwitch(pkt)
	case StateReceiverActive:
		c.receiverActive(pkt)
	case StateReceiverTerminate:
		c.receiverTerminate(pkt)
	default:
		c.drop()
	}
}

// reject aborts on a malformed packet. An unclassified or finished
// transaction drops it instead.
func (c *Context) reject(pkt *mad.Packet, status mad.Status) {
	if c.state == StateUninitialized || c.state.IsTerminal() {
		c.drop()
		return
	}
	c.provision(pkt)
	c.abort(status)
}

// drop discards a packet that no flow accepts, resetting the linger timer
// of a transaction that is still absorbing late packets.
func (c *Context) drop() {
	if c.state == StateAbort || c.sendDone {
		c.armLinger()
	}
}

// Expire handles a timer event. The caller holds the owner's lock.
func (c *Context) Expire(kind TimerKind) {
	c.log.Tracef("tid %#x: %s timer expired in %s", c.header.TransactionID, kind, c.state)

	if kind == TimerTransaction {
		if c.state == StateReceiverActive {
			c.abort(mad.StatusTotalLengthError)
		}
		return
	}

	switch c.state {
	case StateSenderActive:
		if c.retry() {
			c.nextToSend = c.windowFirst
			_ = c.SendWindow()
		}
	case StateSenderSwitch:
		if c.retry() {
			c.sendAck(0, 1)
			c.armResponse()
		}
	case StateReceiverActive:
		if c.expectedSegment == 1 && c.retry() {
			c.armResponse()
		}
	case StateReceiverTerminate:
		if c.doubleSided {
			// the peer never acknowledged the reply handoff
			c.abort(mad.StatusTimeout)
			return
		}
		c.state = StateDone
		c.finished = true
	case StateAbort, StateDone:
		c.finished = true
	}
}

// retry counts a response timeout and aborts with Timeout once the budget
// is spent. Returns whether the caller may retry.
func (c *Context) retry() bool {
	c.retries++
	if c.retries > c.params.MaxRetries {
		c.abort(mad.StatusTimeout)
		return false
	}
	c.log.Debugf("tid %#x: response timeout, retry %d/%d", c.header.TransactionID, c.retries, c.params.MaxRetries)
	return true
}
