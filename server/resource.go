package server

import (
	"context"
	"time"
)

// Resource is the byte resource a Server polls, e.g. a *serial.Port or a
// *loopback.Port.
type Resource interface {
	// Lock acquires exclusive access. A zero timeout polls, returning an
	// error wrapping serial.ErrTimeout if the resource is busy.
	Lock(timeout time.Duration) error
	Unlock() error

	// ReadableSize returns the number of buffered readable bytes, 0 if
	// disabled.
	ReadableSize() int

	// Read fills p, or fails with serial.ErrTimeout.
	Read(p []byte) (int, error)

	// Discard drops up to n readable bytes.
	Discard(n int) error

	Write(p []byte) (int, error)

	IsEnabled() bool
}

// Handler handles a request, i.e. readable data on the resource. It is
// called on the worker goroutine, with the resource locked.
type Handler interface {
	HandleRequest(ctx context.Context, r Resource) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, r Resource) error

func (f HandlerFunc) HandleRequest(ctx context.Context, r Resource) error {
	return f(ctx, r)
}
