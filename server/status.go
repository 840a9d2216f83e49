package server

// Status is the lifecycle state of a Server's worker.
//
//	Stopped ──Enable──→ Starting ──worker──→ Started
//	   ↑                                       │
//	   ├──────worker (reentrant disable)───────┤
//	   │                                       │
//	   └──worker── Stopping ←──────Disable─────┘
type Status int32

const (
	Stopped Status = iota
	Starting
	Started
	Stopping
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Started:
		return "Started"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}
