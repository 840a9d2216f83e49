package server

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// workerKey is the context key of the worker token given to the Handler.
type workerKey struct{}

// worker is a single run of the polling loop. The pointer doubles as the
// token that identifies reentrant control calls.
type worker struct {
	srv    *Server
	params WorkerParameters
	ctx    context.Context
	cancel context.CancelFunc

	// true exactly while the Handler is running
	handling atomic.Bool

	// set if the worker failed to start, before it reports Stopped
	err error
}

type outcome int

const (
	proceed outcome = iota
	stopped
	restarted
)

func newWorker(s *Server, params WorkerParameters) *worker {
	w := &worker{srv: s, params: params}
	w.ctx, w.cancel = context.WithCancel(context.WithValue(context.Background(), workerKey{}, w))
	return w
}

func (w *worker) run() {
	s := w.srv
	defer w.cancel()

	if w.params.pinned() {
		runtime.LockOSThread()
		// a tuned thread is discarded with the goroutine, rather than
		// returned to the scheduler
		if !w.params.tunesThread() {
			defer runtime.UnlockOSThread()
		}
		if err := w.params.apply(); err != nil {
			w.err = err
			s.log.WithError(err).Error("worker failed to start")
			w.exit()
			return
		}
	}

	if !s.status.CompareAndSwap(int32(Starting), int32(Started)) {
		// Enable gave up, or Disable got in first, either way leaving
		// Stopping for this worker to clear
		w.exit()
		return
	}
	s.log.Debug("worker started")
	s.enabled.emit()

	for s.Status() != Stopping {
		switch w.cycle() {
		case stopped:
			s.log.Debug("worker stopped by handler")
			s.disabled.emit()
			return
		case restarted:
			s.log.Debug("worker restarted by handler")
			s.disabled.emit()
			return
		}
		time.Sleep(w.params.PollInterval)
	}

	w.exit()
	s.log.Debug("worker stopped")
	s.disabled.emit()
}

// cycle performs one poll, and resolves any intents raised by the Handler.
func (w *worker) cycle() outcome {
	s := w.srv
	// control calls take priority, the worker only ever tries the lock
	if !s.mu.TryLock() {
		return proceed
	}
	defer s.mu.Unlock()

	// a Disable that gave up waiting leaves Stopping behind
	if s.Status() != Started {
		return proceed
	}

	r := s.Resource()
	if err := r.Lock(0); err != nil {
		return proceed
	}
	defer func() {
		if err := r.Unlock(); err != nil {
			s.log.WithError(err).Warn("resource unlock failed")
		}
	}()

	s.stats.polls.Add(1)
	if r.ReadableSize() > 0 {
		w.dispatch(r)
	}

	stop, restart := s.resolveIntents()
	switch {
	case stop:
		w.exit()
		return stopped
	case restart:
		w.exit()
		s.stats.restarts.Add(1)
		s.status.Store(int32(Starting))
		s.spawn()
		return restarted
	}
	return proceed
}

// dispatch calls the Handler, swallowing its failures.
func (w *worker) dispatch(r Resource) {
	s := w.srv
	s.stats.requests.Add(1)
	w.handling.Store(true)
	defer w.handling.Store(false)
	defer func() {
		if v := recover(); v != nil {
			s.handlerFailed(fmt.Errorf("handler panic: %v", v))
		}
	}()
	if err := s.handler.HandleRequest(w.ctx, r); err != nil {
		s.handlerFailed(err)
	}
}

// exit retires the worker. It must be called exactly once per worker. The
// worker handle is cleared before Stopped is reported, unless another worker
// or an abandoned Enable has already taken over.
func (w *worker) exit() {
	s := w.srv
	w.cancel()
	s.stats.workers.Add(-1)
	if !s.worker.CompareAndSwap(w, nil) {
		return
	}
	s.status.Store(int32(Stopped))
}
