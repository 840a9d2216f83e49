// Package loopback provides an in-memory byte resource, with the same
// contract as serial.Port. The "remote" end is driven with Inject and Drain.
package loopback

import (
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
)

// Port is an in-memory full-duplex byte resource. It is safe for concurrent
// use. The zero value is not usable, use New.
type Port struct {
	session *serial.Mutex

	mu          sync.Mutex
	rx          *queue.Queue // remote -> port
	tx          *queue.Queue // port -> remote
	enabled     bool
	echo        bool
	readTimeout time.Duration

	// signalled (non-blocking) whenever rx grows
	notify chan struct{}
}

// Option configures a Port.
type Option func(*Port)

// WithEcho feeds every write back into the read side, like a UART with its
// TX pin wired to its RX pin.
func WithEcho() Option {
	return func(p *Port) { p.echo = true }
}

// WithReadTimeout sets the read deadline, defaulting to
// serial.DefaultReadTimeout.
func WithReadTimeout(timeout time.Duration) Option {
	return func(p *Port) { p.readTimeout = timeout }
}

// New returns an enabled Port.
func New(opts ...Option) *Port {
	p := &Port{
		session:     serial.NewMutex(),
		rx:          queue.New(),
		tx:          queue.New(),
		enabled:     true,
		readTimeout: serial.DefaultReadTimeout,
		notify:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Port) Lock(timeout time.Duration) error { return p.session.Lock(timeout) }

func (p *Port) Unlock() error { return p.session.Unlock() }

// Enable makes the port accept I/O, discarding anything injected while it
// was disabled.
func (p *Port) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return nil
	}
	p.enabled = true
	for p.rx.Length() > 0 {
		p.rx.Remove()
	}
	return nil
}

func (p *Port) Disable() error {
	p.mu.Lock()
	p.enabled = false
	p.mu.Unlock()
	return nil
}

func (p *Port) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// ReadableSize returns the number of injected bytes not yet read, or 0 if
// the port is disabled.
func (p *Port) ReadableSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return 0
	}
	return p.rx.Length()
}

// SetReadTimeout sets the read deadline.
func (p *Port) SetReadTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return fmt.Errorf("read timeout %s: %w", timeout, serial.ErrInvalidArgument)
	}
	p.mu.Lock()
	p.readTimeout = timeout
	p.mu.Unlock()
	return nil
}

// Read fills p from the injected bytes, waiting up to the read deadline for
// the rest to arrive.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.Lock()
	deadline := time.Now().Add(p.readTimeout)
	p.mu.Unlock()

	var n int
	for {
		p.mu.Lock()
		if !p.enabled {
			p.mu.Unlock()
			return n, fmt.Errorf("read: %w", serial.ErrInvalidState)
		}
		for n < len(b) && p.rx.Length() > 0 {
			b[n] = p.rx.Remove().(byte)
			n++
		}
		p.mu.Unlock()

		if n == len(b) {
			return n, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return n, fmt.Errorf("read %d of %d bytes: %w", n, len(b), serial.ErrTimeout)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-p.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Discard drops up to n bytes, failing with serial.ErrTimeout if fewer
// arrive before the read deadline.
func (p *Port) Discard(n int) error {
	if n <= 0 {
		return nil
	}
	_, err := p.Read(make([]byte, n))
	return err
}

// Write queues b for the remote end.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.enabled {
		return 0, fmt.Errorf("write: %w", serial.ErrInvalidState)
	}
	for _, c := range b {
		p.tx.Add(c)
		if p.echo {
			p.rx.Add(c)
		}
	}
	if p.echo && len(b) != 0 {
		p.signal()
	}
	return len(b), nil
}

// Inject delivers b as if sent by the remote end. Bytes injected while the
// port is disabled are buffered, then flushed by Enable.
func (p *Port) Inject(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range b {
		p.rx.Add(c)
	}
	if len(b) != 0 {
		p.signal()
	}
}

// Drain removes and returns everything written to the port so far.
func (p *Port) Drain() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]byte, 0, p.tx.Length())
	for p.tx.Length() > 0 {
		out = append(out, p.tx.Remove().(byte))
	}
	return out
}

// signal must be called with mu held.
func (p *Port) signal() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}
