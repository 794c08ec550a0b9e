package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownCommand marks a frame whose first byte is not a request
	// command. The session is closed after the error reply.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrShortBody marks a body too short for the fields its command needs.
	ErrShortBody = errors.New("body too short")

	// ErrFrameTooLarge marks a frame that grew past the configured maximum
	// without a delimiter.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// ProtocolError wraps a framing or body error with the command it arrived
// under.
type ProtocolError struct {
	Command Command
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %v", e.Command, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
