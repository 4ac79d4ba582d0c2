package transfer

import (
	"errors"
	"fmt"
)

var (
	ErrTransferInFlight = errors.New("a transfer is already in flight")
	ErrChannelNotOpen   = errors.New("channel not open")
	ErrByteOverrun      = errors.New("received bytes exceed declared size")
	ErrNoMetadata       = errors.New("binary chunk before metadata")
	ErrPeerDisconnected = errors.New("peer disconnected")
)

// Error wraps a failed transfer operation with its context.
type Error struct {
	Op      string
	File    string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.File, e.Err)
	}
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func NewFileError(op, file string, err error) *Error {
	return &Error{Op: op, File: file, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}
