package agent

import "errors"

// Agent errors.
var (
	// ErrClosed is returned when the agent has been stopped.
	ErrClosed = errors.New("agent: closed")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("agent: already started")

	// ErrInvalidPeer is returned when a nil peer address is provided.
	ErrInvalidPeer = errors.New("agent: invalid peer address")

	// ErrInvalidMessage is returned when a nil message is provided.
	ErrInvalidMessage = errors.New("agent: invalid message")

	// ErrTransactionExists is returned when a transaction with the same
	// peer, class and transaction ID is still in the table.
	ErrTransactionExists = errors.New("agent: transaction already exists")
)
