package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeWorkerStateChanged uint32 = iota + 1
	TypePoolResized
	TypeUnitDispatched
	TypeConfigReloaded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// Timestamp formats t the way every event carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// WorkerStateChangedEvent is published when a synchronization observes a new
// derived state for a worker. Transitions that happen between two
// synchronizations are not seen.
type WorkerStateChangedEvent struct {
	PID       int    `json:"pid" example:"4242" doc:"Worker process ID"`
	OldState  string `json:"old_state" example:"busy" doc:"Previous state: idle, busy, failed, dead"`
	NewState  string `json:"new_state" example:"failed" doc:"Current state: idle, busy, failed, dead"`
	Backtrace string `json:"backtrace,omitempty" doc:"Failure backtrace, set only for failed"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Observation timestamp"`
}

// Type returns the event type identifier for WorkerStateChangedEvent.
func (e WorkerStateChangedEvent) Type() uint32 { return TypeWorkerStateChanged }

// PoolResizedEvent is published after the pool gained or lost workers.
type PoolResizedEvent struct {
	OldSize   int    `json:"old_size" example:"2" doc:"Worker count before"`
	NewSize   int    `json:"new_size" example:"4" doc:"Worker count after"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Resize timestamp"`
}

// Type returns the event type identifier for PoolResizedEvent.
func (e PoolResizedEvent) Type() uint32 { return TypePoolResized }

// UnitDispatchedEvent is published for every unit handed to a worker.
type UnitDispatchedEvent struct {
	PID       int    `json:"pid" example:"4242" doc:"Worker process ID"`
	Unit      string `json:"unit" example:"shell" doc:"Registered unit name"`
	Broadcast bool   `json:"broadcast" doc:"Whether the unit went to every worker"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Dispatch timestamp"`
}

// Type returns the event type identifier for UnitDispatchedEvent.
func (e UnitDispatchedEvent) Type() uint32 { return TypeUnitDispatched }

// ConfigReloadedEvent is published when the watched config file was applied.
type ConfigReloadedEvent struct {
	Path      string `json:"path" example:"xpool.toml" doc:"Config file path"`
	PoolSize  int    `json:"pool_size" example:"4" doc:"Pool size after the reload"`
	Timestamp string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Reload timestamp"`
}

// Type returns the event type identifier for ConfigReloadedEvent.
func (e ConfigReloadedEvent) Type() uint32 { return TypeConfigReloaded }
