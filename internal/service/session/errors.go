package session

import "github.com/pkg/errors"

var (
	// ErrAuthRejected means the first frame carried an invalid credential or the
	// identity does not own the conversation.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrProtocolViolation covers malformed or out-of-order inbound frames.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrAlreadyStreaming is returned when the conversation has a turn in flight.
	ErrAlreadyStreaming = errors.New("conversation is already streaming")
	// ErrSuperseded is the close cause of a session replaced by a newer connection.
	ErrSuperseded = errors.New("session superseded by a newer connection")
	// ErrEvicted is the close cause of a session whose conversation was deleted.
	ErrEvicted = errors.New("session evicted")
	// ErrShuttingDown is returned once the registry has been closed.
	ErrShuttingDown = errors.New("session registry closed")

	errClientGone = errors.New("client disconnected")
)
