package serial

import "errors"

// Errors shared by the serial port, the loopback port and the dispatch
// server. Callers should test for them with errors.Is, as they are usually
// wrapped with context.
var (
	// ErrInvalidState indicates the operation needs a different lifecycle
	// state, e.g. reading from a disabled port.
	ErrInvalidState = errors.New("serial: invalid state")

	// ErrInvalidArgument indicates a nil or empty argument, or an
	// unsupported configuration value.
	ErrInvalidArgument = errors.New("serial: invalid argument")

	// ErrTimeout indicates a blocking operation did not complete in time.
	ErrTimeout = errors.New("serial: timeout")

	// ErrOperationFailed indicates a worker failed to spawn, or failed to
	// reach the requested state.
	ErrOperationFailed = errors.New("serial: operation failed")

	// ErrClosed is returned by any operation on a closed port.
	ErrClosed = errors.New("serial: port closed")
)
