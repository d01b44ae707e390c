package process

import (
	"log/slog"
	"runtime"
	"time"
)

// DefaultPollInterval is how long an idle child sleeps between queue checks.
const DefaultPollInterval = 50 * time.Millisecond

// StateChangeCallback is called when a worker's derived state changes.
// It runs with the worker lock held and must not call back into the worker.
type StateChangeCallback func(pid int, oldState, newState State, backtrace string)

// ResizeCallback is called after the pool's size changes.
type ResizeCallback func(oldSize, newSize int)

// WorkerOptions configures how worker processes are spawned.
type WorkerOptions struct {
	// Executable to re-execute as the child. Defaults to os.Executable().
	Executable string

	// Args passed to the child after the executable name (optional).
	Args []string

	// Env is appended to the parent's environment for the child (optional).
	Env []string

	// PollInterval for an idle child. Defaults to DefaultPollInterval.
	PollInterval time.Duration

	// LogLevel for the child's own logger (debug, info, warn, error).
	LogLevel string

	// OnStateChange is called on every derived state transition (optional).
	OnStateChange StateChangeCallback

	// Logger for worker operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// PoolOptions configures a new Pool.
type PoolOptions struct {
	// Size is the number of workers spawned by NewPool.
	Size int

	// Worker configures every worker the pool spawns.
	Worker WorkerOptions

	// OnResize is called after Expand, Shrink and Resize change the size (optional).
	OnResize ResizeCallback

	// Logger for pool operations. If nil, uses slog.Default().
	Logger *slog.Logger
}

// DefaultSize returns one worker per available CPU.
func DefaultSize() int {
	return runtime.NumCPU()
}
