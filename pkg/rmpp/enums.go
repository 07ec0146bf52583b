// Package rmpp implements the reliable multi-packet transfer engine.
//
// A transaction segments a message that does not fit one management datagram
// into numbered Data segments, sends them in windows the receiver opens with
// cumulative Acks, and reassembles them on the other side. A double-sided
// transaction flips from sender to receiver once its request is fully
// acknowledged, receiving the reply under the same context.
//
// The engine performs no I/O and owns no goroutines. A Context is driven by
// its owner through HandleInbound (one call per inbound packet) and Expire
// (one call per timer event), always under the owner's lock. Transmission,
// timers, buffers and completion are delegated to the Host and Allocator.
package rmpp

// State is the protocol state of a transaction.
type State int

const (
	// StateUninitialized is a context that has been neither started as a
	// sender nor as a receiver.
	StateUninitialized State = iota

	// StateSenderActive is sending Data segments and consuming Acks.
	StateSenderActive

	// StateSenderSwitch has had its request fully acknowledged on a
	// double-sided transaction and waits for the first reply segment.
	StateSenderSwitch

	// StateReceiverActive is reassembling Data segments.
	StateReceiverActive

	// StateReceiverTerminate has received the terminal segment and lingers
	// to absorb duplicates.
	StateReceiverTerminate

	// StateAbort has failed. Only the linger timer is serviced.
	StateAbort

	// StateDone has completed successfully.
	StateDone
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateSenderActive:
		return "SenderActive"
	case StateSenderSwitch:
		return "SenderSwitch"
	case StateReceiverActive:
		return "ReceiverActive"
	case StateReceiverTerminate:
		return "ReceiverTerminate"
	case StateAbort:
		return "Abort"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// IsTerminal returns true for Abort and Done.
func (s State) IsTerminal() bool {
	return s == StateAbort || s == StateDone
}

// TimerKind selects one of the two timers a transaction uses.
type TimerKind int

const (
	// TimerResponse guards "did the peer respond". It is rearmed after
	// every outbound burst or Ack and doubles as the linger timer once the
	// transaction is over.
	TimerResponse TimerKind = iota

	// TimerTransaction guards the total duration of a reassembly.
	TimerTransaction
)

// String returns a human-readable name for the timer kind.
func (k TimerKind) String() string {
	switch k {
	case TimerResponse:
		return "Response"
	case TimerTransaction:
		return "Transaction"
	default:
		return "Unknown"
	}
}
