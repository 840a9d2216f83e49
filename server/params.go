package server

import (
	"fmt"
	"slices"
	"time"

	"golang.org/x/sys/unix"

	serial "github.com/luhtfiimanal/go-serial-dispatch"
)

// maxCPU is the number of CPUs a unix.CPUSet can describe.
const maxCPU = 1024

// WorkerParameters configures the worker goroutine.
type WorkerParameters struct {
	// PollInterval is the yield between poll cycles, and the granularity of
	// the cooperative waits in Enable, Disable and Close.
	PollInterval time.Duration

	// LockOSThread runs the worker on a dedicated OS thread. It is implied
	// by Priority and CPUAffinity.
	LockOSThread bool

	// Priority is the nice value (-20 to 19) of the worker thread. Zero
	// inherits the process priority.
	Priority int

	// CPUAffinity pins the worker thread to the listed CPUs.
	CPUAffinity []int
}

// DefaultWorkerParameters are used unless configured otherwise.
var DefaultWorkerParameters = WorkerParameters{
	PollInterval: time.Millisecond,
}

func (p WorkerParameters) validate() error {
	if p.PollInterval <= 0 {
		return fmt.Errorf("poll interval %s: %w", p.PollInterval, serial.ErrInvalidArgument)
	}
	if p.Priority < -20 || p.Priority > 19 {
		return fmt.Errorf("priority %d: %w", p.Priority, serial.ErrInvalidArgument)
	}
	for _, cpu := range p.CPUAffinity {
		if cpu < 0 || cpu >= maxCPU {
			return fmt.Errorf("cpu %d: %w", cpu, serial.ErrInvalidArgument)
		}
	}
	return nil
}

func (p WorkerParameters) clone() WorkerParameters {
	p.CPUAffinity = slices.Clone(p.CPUAffinity)
	return p
}

// pinned reports whether the worker needs its own OS thread.
func (p WorkerParameters) pinned() bool {
	return p.LockOSThread || p.tunesThread()
}

// tunesThread reports whether apply modifies the OS thread.
func (p WorkerParameters) tunesThread() bool {
	return p.Priority != 0 || len(p.CPUAffinity) != 0
}

// apply must be called on the worker goroutine, with its OS thread locked.
func (p WorkerParameters) apply() error {
	if len(p.CPUAffinity) != 0 {
		var set unix.CPUSet
		set.Zero()
		for _, cpu := range p.CPUAffinity {
			set.Set(cpu)
		}
		// pid 0 is the calling thread
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("set cpu affinity %v: %w", p.CPUAffinity, err)
		}
	}
	if p.Priority != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), p.Priority); err != nil {
			return fmt.Errorf("set priority %d: %w", p.Priority, err)
		}
	}
	return nil
}
