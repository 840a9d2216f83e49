package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/sirupsen/logrus"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
	"github.com/luhtfiimanal/go-serial-dispatch/internal/logging"
)

// CloseTimeout bounds the wait for the worker to stop, in Close.
const CloseTimeout = 5 * time.Second

// DefaultFailureLogRates limits how often handler failures are logged.
var DefaultFailureLogRates = map[time.Duration]int{
	time.Second: 1,
	time.Minute: 10,
}

// Server polls a Resource on a background worker, and dispatches a Handler
// whenever the resource has readable data. It is safe for concurrent use,
// and its control operations may be called from within the Handler, see the
// package documentation.
type Server struct {
	// mu is the server's exclusion lock. It is held by external control
	// calls for their whole duration, and by the worker for each poll cycle,
	// which acquires it with TryLock only.
	mu     sync.Mutex
	closed bool // guarded by mu
	locked atomic.Bool

	imu     sync.Mutex
	intents intents // guarded by imu

	// written with mu held, read anywhere
	status   atomic.Int32
	resource atomic.Pointer[resourceRef]
	params   atomic.Pointer[WorkerParameters]
	worker   atomic.Pointer[worker]

	handler      Handler
	enabled      Event
	disabled     Event
	stats        stats
	log          *logrus.Entry
	failureRates map[time.Duration]int
	limiter      *catrate.Limiter
}

type resourceRef struct{ Resource }

// intents are raised by reentrant control calls, and resolved by the worker
// once the Handler returns.
type intents struct {
	enable  bool
	disable bool
	restart bool
}

// resolve clears the intents, returning what the worker must do. An enable
// raised after a disable rescinds it, and a disable overrides a restart.
func (x *intents) resolve() (stop, restart bool) {
	if x.enable && x.disable {
		x.disable = false
	}
	stop, restart = x.disable, x.restart && !x.disable
	*x = intents{}
	return stop, restart
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger, defaulting to the standard logrus logger,
// tagged "server".
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) { s.log = log }
}

// WithWorkerParameters sets the initial worker parameters.
func WithWorkerParameters(params WorkerParameters) Option {
	return func(s *Server) {
		p := params.clone()
		s.params.Store(&p)
	}
}

// WithFailureLogRates overrides DefaultFailureLogRates. See
// catrate.NewLimiter for valid rates. An empty map disables the limit.
func WithFailureLogRates(rates map[time.Duration]int) Option {
	return func(s *Server) { s.failureRates = rates }
}

// New returns a stopped Server, polling r and dispatching to h.
func New(r Resource, h Handler, opts ...Option) (*Server, error) {
	if r == nil {
		return nil, fmt.Errorf("nil resource: %w", serial.ErrInvalidArgument)
	}
	if h == nil {
		return nil, fmt.Errorf("nil handler: %w", serial.ErrInvalidArgument)
	}

	s := &Server{
		handler:      h,
		failureRates: DefaultFailureLogRates,
	}
	s.resource.Store(&resourceRef{r})
	params := DefaultWorkerParameters.clone()
	s.params.Store(&params)

	for _, opt := range opts {
		opt(s)
	}

	if err := s.WorkerParameters().validate(); err != nil {
		return nil, err
	}
	if s.log == nil {
		s.log = logging.New("server")
	}
	if len(s.failureRates) != 0 {
		s.limiter = catrate.NewLimiter(s.failureRates)
	}
	return s, nil
}

// Enable starts the worker. Called externally, it blocks until the worker
// has started, failing with serial.ErrOperationFailed if it could not be, or
// ctx ended first. Called from the Handler (with its context), it only
// rescinds a pending reentrant Disable, and returns nil.
func (s *Server) Enable(ctx context.Context) error {
	if s.fromHandler(ctx) {
		s.raise(func(x *intents) { x.enable = true })
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("enable: %w", serial.ErrInvalidState)
	}
	return s.enable(ctx)
}

// Disable stops the worker. Called externally, it blocks until the worker
// has stopped, which happens at the end of any in-flight Handler call.
// Called from the Handler, it requests a stop at the end of the current poll
// cycle, and returns nil.
func (s *Server) Disable(ctx context.Context) error {
	if s.fromHandler(ctx) {
		s.raise(func(x *intents) { x.disable = true })
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disable(ctx)
}

// IsEnabled reports whether the worker is running. It never blocks.
func (s *Server) IsEnabled() bool {
	return s.Status() == Started
}

// Status returns the worker's lifecycle state.
func (s *Server) Status() Status {
	return Status(s.status.Load())
}

// Resource returns the current resource. It never blocks.
func (s *Server) Resource() Resource {
	return s.resource.Load().Resource
}

// SetResource replaces the resource, restarting the worker if it is
// running, so it never observes a partially applied change. Called from the
// Handler, the restart happens once the Handler returns, and the in-flight
// call keeps the resource it was given.
func (s *Server) SetResource(ctx context.Context, r Resource) error {
	if r == nil {
		return fmt.Errorf("set resource: %w", serial.ErrInvalidArgument)
	}
	if s.fromHandler(ctx) {
		s.resource.Store(&resourceRef{r})
		s.raise(func(x *intents) { x.restart = true })
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("set resource: %w", serial.ErrInvalidState)
	}
	s.resource.Store(&resourceRef{r})
	return s.restartIfEnabled(ctx)
}

// WorkerParameters returns a copy of the current worker parameters.
func (s *Server) WorkerParameters() WorkerParameters {
	return s.params.Load().clone()
}

// SetWorkerParameters replaces the worker parameters, restarting the worker
// if it is running. The reentrant behavior matches SetResource.
func (s *Server) SetWorkerParameters(ctx context.Context, params WorkerParameters) error {
	if err := params.validate(); err != nil {
		return fmt.Errorf("set worker parameters: %w", err)
	}
	params = params.clone()
	if s.fromHandler(ctx) {
		s.params.Store(&params)
		s.raise(func(x *intents) { x.restart = true })
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("set worker parameters: %w", serial.ErrInvalidState)
	}
	s.params.Store(&params)
	return s.restartIfEnabled(ctx)
}

// Enabled is emitted by the worker once it has started.
func (s *Server) Enabled() *Event { return &s.enabled }

// Disabled is emitted by the worker once it has stopped. It is not emitted
// for a rescinded disable.
func (s *Server) Disabled() *Event { return &s.disabled }

// Stats returns a snapshot of the server's counters.
func (s *Server) Stats() Stats { return s.stats.snapshot() }

// Lock acquires the server's exclusion lock, waiting at most timeout (see
// serial.Mutex.Lock for the timeout semantics). While it is held the worker
// does not poll, so the caller may use the resource directly. Control
// operations block until Unlock, so the holder must not call them, and the
// Handler must not call Lock.
func (s *Server) Lock(timeout time.Duration) error {
	switch {
	case timeout < 0:
		s.mu.Lock()
	case s.mu.TryLock():
	case timeout == 0:
		return fmt.Errorf("lock: %w", serial.ErrTimeout)
	default:
		if err := s.tryLockFor(timeout); err != nil {
			return err
		}
	}
	s.locked.Store(true)
	return nil
}

// Unlock releases a lock acquired with Lock.
func (s *Server) Unlock() error {
	if !s.locked.CompareAndSwap(true, false) {
		return fmt.Errorf("unlock: %w", serial.ErrInvalidState)
	}
	s.mu.Unlock()
	return nil
}

// tryLockFor retries mu once per poll interval, until timeout.
func (s *Server) tryLockFor(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.params.Load().PollInterval)
	defer ticker.Stop()
	for !s.mu.TryLock() {
		select {
		case <-deadline.C:
			return fmt.Errorf("lock after %s: %w", timeout, serial.ErrTimeout)
		case <-ticker.C:
		}
	}
	return nil
}

// Close stops the worker, waiting at most CloseTimeout, and makes the Server
// unusable. It must not be called from the Handler. Subsequent calls return
// nil.
func (s *Server) Close(ctx context.Context) error {
	if s.fromHandler(ctx) {
		return fmt.Errorf("close from handler: %w", serial.ErrInvalidState)
	}
	ctx, cancel := context.WithTimeout(ctx, CloseTimeout)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.disable(ctx)
}

// fromHandler reports whether ctx belongs to this server's worker, while it
// is calling the Handler.
func (s *Server) fromHandler(ctx context.Context) bool {
	w, _ := ctx.Value(workerKey{}).(*worker)
	return w != nil && w.srv == s && w == s.worker.Load() && w.handling.Load()
}

// enable must be called with mu held.
func (s *Server) enable(ctx context.Context) error {
	if s.Status() == Stopping {
		// a previous Disable gave up waiting
		if err := s.await(ctx, Stopping); err != nil {
			return fmt.Errorf("enable: %w: %w", serial.ErrOperationFailed, err)
		}
	}

	var w *worker
	switch s.Status() {
	case Started:
		return nil
	case Starting:
		// handing over to a restarted worker
		w = s.worker.Load()
	default:
		s.status.Store(int32(Starting))
		w = s.spawn()
	}

	if err := s.await(ctx, Starting); err != nil {
		// the worker still owns the handle, it retires itself on seeing
		// Stopping, and a later Enable waits for that
		if s.status.CompareAndSwap(int32(Starting), int32(Stopping)) {
			return fmt.Errorf("enable: %w: %w", serial.ErrOperationFailed, err)
		}
	}

	switch status := s.Status(); {
	case status == Started:
		return nil
	case w != nil && w.err != nil:
		return fmt.Errorf("enable: %w: %w", serial.ErrOperationFailed, w.err)
	default:
		return fmt.Errorf("enable: %w: worker reached %s", serial.ErrOperationFailed, status)
	}
}

// disable must be called with mu held.
func (s *Server) disable(ctx context.Context) error {
	for {
		status := s.Status()
		if status == Stopped {
			return nil
		}
		// the worker may race us from Starting to Started
		if status == Stopping || s.status.CompareAndSwap(int32(status), int32(Stopping)) {
			break
		}
	}

	if err := s.await(ctx, Stopping); err != nil {
		return fmt.Errorf("disable: %w: %w", serial.ErrOperationFailed, err)
	}
	if status := s.Status(); status != Stopped {
		return fmt.Errorf("disable: %w: worker reached %s", serial.ErrOperationFailed, status)
	}
	return nil
}

// restartIfEnabled must be called with mu held.
func (s *Server) restartIfEnabled(ctx context.Context) error {
	if s.Status() == Stopped {
		return nil
	}
	s.stats.restarts.Add(1)
	s.log.Debug("restarting worker")
	if err := s.disable(ctx); err != nil {
		return err
	}
	return s.enable(ctx)
}

// await polls until the status leaves transient, or ctx is done.
func (s *Server) await(ctx context.Context, transient Status) error {
	if s.Status() != transient {
		return nil
	}
	ticker := time.NewTicker(s.params.Load().PollInterval)
	defer ticker.Stop()
	for s.Status() == transient {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// spawn starts a worker with the current parameters. It must be called with
// mu held, and the status set to Starting.
func (s *Server) spawn() *worker {
	w := newWorker(s, s.WorkerParameters())
	s.worker.Store(w)
	s.stats.workers.Add(1)
	go w.run()
	return w
}

// raise records an intent from a reentrant control call.
func (s *Server) raise(fn func(*intents)) {
	s.imu.Lock()
	fn(&s.intents)
	s.imu.Unlock()
}

// resolveIntents must be called by the worker, with mu held.
func (s *Server) resolveIntents() (stop, restart bool) {
	s.imu.Lock()
	defer s.imu.Unlock()
	return s.intents.resolve()
}

func (s *Server) handlerFailed(err error) {
	if _, ok := s.limiter.Allow("handler"); ok {
		s.log.WithError(err).Warn("request handler failed")
	}
	s.stats.failures.Add(1)
}
