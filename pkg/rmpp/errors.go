package rmpp

import (
	"errors"
	"fmt"

	"github.com/backkem/rmpp/pkg/mad"
)

// Engine errors.
var (
	// ErrNoMemory is reported when the allocator cannot provide a buffer.
	// The transaction aborts without a wire Abort.
	ErrNoMemory = errors.New("rmpp: buffer allocation failed")

	// ErrInvalidState is returned when an operation does not apply to the
	// context's current state.
	ErrInvalidState = errors.New("rmpp: invalid state for operation")

	// ErrNoHost is returned when a context is created without a Host.
	ErrNoHost = errors.New("rmpp: host required")

	// ErrInvalidWindow is returned for a non-positive window size.
	ErrInvalidWindow = errors.New("rmpp: window size must be positive")

	// ErrPacketTooSmall is returned when the packet size leaves no room for
	// segment data.
	ErrPacketTooSmall = errors.New("rmpp: packet size leaves no room for data")

	// ErrMessageTooLarge is returned when the length words cannot express the
	// message.
	ErrMessageTooLarge = errors.New("rmpp: message too large")

	// ErrInvalidParams is returned for negative timing or sizing parameters.
	ErrInvalidParams = errors.New("rmpp: invalid parameters")
)

// AbortError terminates a transaction with an RMPP status.
type AbortError struct {
	// Status is the wire status that was sent or received.
	Status mad.Status

	// Remote is true when the peer sent the Abort or Stop.
	Remote bool
}

func (e *AbortError) Error() string {
	if e.Remote {
		return fmt.Sprintf("rmpp: aborted by peer: %s", e.Status)
	}
	return fmt.Sprintf("rmpp: aborted: %s", e.Status)
}

// Is matches another *AbortError with the same status, so callers can test
// errors.Is(err, &AbortError{Status: mad.StatusTimeout}).
func (e *AbortError) Is(target error) bool {
	t, ok := target.(*AbortError)
	return ok && t.Status == e.Status
}

// StatusOf maps a completion error to the RMPP status describing it.
func StatusOf(err error) mad.Status {
	if err == nil {
		return mad.StatusNormal
	}
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae.Status
	}
	if errors.Is(err, ErrNoMemory) {
		return mad.StatusResourceExhausted
	}
	return mad.StatusUnspecifiedError
}
