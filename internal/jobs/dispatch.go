package jobs

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/process"
	"github.com/smazurov/xpool/internal/unit"
)

// BroadcastPrefix marks a job line that runs on every worker.
const BroadcastPrefix = "@all "

// Scheduler is satisfied by *process.Pool.
type Scheduler interface {
	Schedule(u unit.Unit, args ...any) (*process.Worker, error)
	Broadcast(u unit.Unit, args ...any) ([]*process.Worker, error)
}

// Dispatcher turns command lines into Shell units on a pool and publishes a
// UnitDispatchedEvent for every worker that received one.
type Dispatcher struct {
	pool   Scheduler
	bus    *events.Bus
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher. bus may be nil.
func NewDispatcher(pool Scheduler, bus *events.Bus, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{pool: pool, bus: bus, logger: logger}
}

// Submit schedules u once, or on every worker when broadcast is set. It
// returns the pids that received the unit.
func (d *Dispatcher) Submit(u unit.Unit, broadcast bool, args ...any) ([]int, error) {
	var workers []*process.Worker
	if broadcast {
		ws, err := d.pool.Broadcast(u, args...)
		if err != nil {
			return nil, err
		}
		workers = ws
	} else {
		w, err := d.pool.Schedule(u, args...)
		if err != nil {
			return nil, err
		}
		workers = []*process.Worker{w}
	}

	name, _ := unit.Name(u)
	pids := make([]int, len(workers))
	now := events.Timestamp(time.Now())
	for i, w := range workers {
		pids[i] = w.PID()
		if d.bus != nil {
			d.bus.Publish(events.UnitDispatchedEvent{
				PID:       pids[i],
				Unit:      name,
				Broadcast: broadcast,
				Timestamp: now,
			})
		}
	}
	return pids, nil
}

// DispatchLine schedules one job line. Blank lines and lines starting with
// '#' are skipped and report false.
func (d *Dispatcher) DispatchLine(line string) (bool, error) {
	command, broadcast, ok := ParseLine(line)
	if !ok {
		return false, nil
	}
	pids, err := d.Submit(&Shell{Command: command}, broadcast)
	if err != nil {
		return false, err
	}
	d.logger.Debug("Job dispatched", "command", command, "broadcast", broadcast, "pids", pids)
	return true, nil
}

// Run dispatches every line of r until EOF or ctx is done and returns the
// number of jobs dispatched. A line that fails to dispatch is logged and
// skipped; only read errors stop the loop.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	count := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		ok, err := d.DispatchLine(scanner.Text())
		if err != nil {
			d.logger.Error("Failed to dispatch job", "line", scanner.Text(), "error", err)
			continue
		}
		if ok {
			count++
		}
	}
	return count, scanner.Err()
}

// ParseLine extracts the command from a job line. ok is false for blank
// lines and comments.
func ParseLine(line string) (command string, broadcast bool, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", false, false
	}
	if rest, found := strings.CutPrefix(line, BroadcastPrefix); found {
		line, broadcast = strings.TrimSpace(rest), true
		if line == "" {
			return "", false, false
		}
	}
	return line, broadcast, true
}
