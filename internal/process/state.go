package process

// State represents the last known state of a worker process.
type State string

// Worker states.
const (
	StateIdle   State = "idle"   // Waiting for work
	StateBusy   State = "busy"   // Executing a unit
	StateFailed State = "failed" // A unit failed; the process is gone
	StateDead   State = "dead"   // Exited or shut down
)

// status is the record a child reports on its status channel.
type status struct {
	Busy      bool   `msgpack:"busy"`
	Failed    bool   `msgpack:"failed"`
	Dead      bool   `msgpack:"dead"`
	Backtrace string `msgpack:"backtrace,omitempty"`
}

// state collapses a status record into a single State.
func (s status) state() State {
	switch {
	case s.Failed:
		return StateFailed
	case s.Dead:
		return StateDead
	case s.Busy:
		return StateBusy
	default:
		return StateIdle
	}
}

// Info contains a snapshot of a worker. ExitCode is set once the process
// has been reaped.
type Info struct {
	PID           int
	State         State
	DispatchCount int
	Backtrace     string
	ExitCode      int
}

// Faulted reports whether a unit failed on the worker or its process ended
// with a non-zero status, which includes being killed by a signal.
func (i Info) Faulted() bool {
	return i.State == StateFailed || (i.State == StateDead && i.ExitCode != 0)
}
