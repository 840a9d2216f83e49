package server

import "sync/atomic"

// Stats is a snapshot of a Server's counters.
type Stats struct {
	// Polls counts poll cycles that acquired both locks.
	Polls uint64
	// Requests counts Handler calls.
	Requests uint64
	// Failures counts Handler calls that returned an error or panicked.
	Failures uint64
	// Restarts counts restarts, including those requested by the Handler.
	Restarts uint64
	// Workers is the number of live worker goroutines.
	Workers int64
}

type stats struct {
	polls    atomic.Uint64
	requests atomic.Uint64
	failures atomic.Uint64
	restarts atomic.Uint64
	workers  atomic.Int64
}

func (x *stats) snapshot() Stats {
	return Stats{
		Polls:    x.polls.Load(),
		Requests: x.requests.Load(),
		Failures: x.failures.Load(),
		Restarts: x.restarts.Load(),
		Workers:  x.workers.Load(),
	}
}
