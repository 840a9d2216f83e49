package server

import (
	"bytes"
	"context"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
)

// LineFunc handles a single line, without its delimiter.
type LineFunc func(ctx context.Context, line string, r Resource) error

// Lines returns a Handler that reads everything readable, splits it on
// delim (serial.DefaultDelimiter if empty), and calls fn for each complete
// line. A partial line is kept until the rest of it arrives. If fn fails,
// the remaining complete lines wait for the next request.
//
// The Handler buffers partial lines, so it must serve a single Server.
func Lines(delim string, fn LineFunc) Handler {
	if delim == "" {
		delim = serial.DefaultDelimiter
	}
	return &lineHandler{sep: []byte(delim), fn: fn}
}

type lineHandler struct {
	sep     []byte
	fn      LineFunc
	pending []byte
}

func (h *lineHandler) HandleRequest(ctx context.Context, r Resource) error {
	n := r.ReadableSize()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	m, err := r.Read(buf)
	h.pending = append(h.pending, buf[:m]...)
	if err != nil {
		return err
	}

	rest := h.pending
	defer func() {
		// keep the tail at the front, so the buffer does not creep forward
		h.pending = h.pending[:copy(h.pending, rest)]
	}()
	for {
		idx := bytes.Index(rest, h.sep)
		if idx < 0 {
			return nil
		}
		line := string(rest[:idx])
		rest = rest[idx+len(h.sep):]
		if err := h.fn(ctx, line, r); err != nil {
			return err
		}
	}
}
