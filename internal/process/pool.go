package process

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/xpool/internal/unit"
)

var (
	// ErrInvalidArgument is returned when a shrink amount is negative or
	// larger than the pool.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrEmptyPool is returned when scheduling on a pool without workers.
	ErrEmptyPool = errors.New("pool has no workers")
)

// Pool is an ordered set of worker processes. Workers are kept in spawn order.
type Pool struct {
	opts    PoolOptions
	logger  *slog.Logger
	mu      sync.RWMutex
	workers []*Worker
}

// NewPool spawns opts.Size workers.
func NewPool(opts *PoolOptions) (*Pool, error) {
	if opts == nil {
		opts = &PoolOptions{}
	}
	if opts.Size < 0 {
		return nil, fmt.Errorf("%w: pool size %d", ErrInvalidArgument, opts.Size)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		opts:   *opts,
		logger: logger,
	}
	if p.opts.Worker.Logger == nil {
		p.opts.Worker.Logger = logger
	}

	workers, err := p.spawn(opts.Size)
	if err != nil {
		return nil, err
	}
	p.workers = workers

	p.logger.Info("Pool started", "size", len(workers))
	return p, nil
}

// Size returns the current number of workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// Workers returns the workers in spawn order.
func (p *Pool) Workers() []*Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	return workers
}

// Snapshot returns synchronized info for every worker in spawn order.
func (p *Pool) Snapshot() []Info {
	workers := p.Workers()
	infos := make([]Info, len(workers))
	for i, w := range workers {
		infos[i] = w.Info()
	}
	return infos
}

// Schedule enqueues u on the worker with the fewest dispatched units.
// Ties go to the earliest spawned worker. The count is an enqueue count, not
// a measure of how long units take.
func (p *Pool) Schedule(u unit.Unit, args ...any) (*Worker, error) {
	p.mu.RLock()
	var target *Worker
	least := 0
	for _, w := range p.workers {
		if n := w.DispatchCount(); target == nil || n < least {
			target, least = w, n
		}
	}
	p.mu.RUnlock()

	if target == nil {
		return nil, ErrEmptyPool
	}
	return target.Schedule(u, args...)
}

// Broadcast enqueues u on every worker in pool order.
func (p *Pool) Broadcast(u unit.Unit, args ...any) ([]*Worker, error) {
	workers := p.Workers()
	for _, w := range workers {
		if _, err := w.Schedule(u, args...); err != nil {
			return nil, fmt.Errorf("broadcast failed: %w", err)
		}
	}
	return workers, nil
}

// Expand adds n workers.
func (p *Pool) Expand(n int) error {
	if n < 0 {
		return fmt.Errorf("%w: cannot expand pool by %d", ErrInvalidArgument, n)
	}
	return p.resize(p.Size()+n, false)
}

// Shrink gracefully stops and removes the n most recently added workers.
func (p *Pool) Shrink(n int) error {
	return p.shrink(n, false)
}

// ForceShrink kills and removes the n most recently added workers.
func (p *Pool) ForceShrink(n int) error {
	return p.shrink(n, true)
}

// Resize grows or gracefully shrinks the pool to size. Negative sizes clamp to 0.
func (p *Pool) Resize(size int) error {
	return p.resize(size, false)
}

// ForceResize is Resize with forceful shutdown of removed workers.
func (p *Pool) ForceResize(size int) error {
	return p.resize(size, true)
}

// Shutdown gracefully stops every worker. With a positive timeout, workers
// still running when it elapses are killed. Shutdown returns once every
// worker has been reaped.
func (p *Pool) Shutdown(timeout time.Duration) {
	workers := p.Workers()
	p.logger.Info("Stopping all workers", "count", len(workers), "timeout", timeout)

	done := make(chan struct{})
	go func() {
		defer close(done)
		stopAll(workers, false, p.logger)
	}()

	if timeout <= 0 {
		<-done
		p.logger.Info("All workers stopped")
		return
	}

	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Warn("Graceful shutdown timeout, forcing kill", "timeout", timeout)
		stopAll(workers, true, p.logger)
		<-done
	}
	p.logger.Info("All workers stopped")
}

// ForceShutdown kills every worker.
func (p *Pool) ForceShutdown() {
	workers := p.Workers()
	p.logger.Info("Killing all workers", "count", len(workers))
	stopAll(workers, true, p.logger)
}

// RestartFailed restarts every worker that reports a failure and returns the
// new process IDs. The pool never does this on its own.
func (p *Pool) RestartFailed() []int {
	var pids []int
	for _, w := range p.Workers() {
		if !w.Failed() {
			continue
		}
		pid, err := w.Restart()
		if err != nil {
			p.logger.Error("Failed to restart worker", "pid", w.PID(), "error", err)
			continue
		}
		pids = append(pids, pid)
	}
	return pids
}

func (p *Pool) shrink(n int, force bool) error {
	size := p.Size()
	if n < 0 || n > size {
		return fmt.Errorf("%w: cannot shrink pool by %d, pool is only %d in size", ErrInvalidArgument, n, size)
	}
	return p.resize(size-n, force)
}

// resize removes trailing workers or appends new ones until the pool has size workers.
func (p *Pool) resize(size int, force bool) error {
	if size < 0 {
		size = 0
	}

	p.mu.Lock()
	oldSize := len(p.workers)
	switch {
	case size == oldSize:
		p.mu.Unlock()
		return nil

	case size < oldSize:
		removed := p.workers[size:]
		p.workers = p.workers[:size:size]
		p.mu.Unlock()
		stopAll(removed, force, p.logger)

	default:
		added, err := p.spawn(size - oldSize)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		p.workers = append(p.workers, added...)
		p.mu.Unlock()
	}

	p.logger.Info("Pool resized", "from", oldSize, "to", size)
	if p.opts.OnResize != nil {
		p.opts.OnResize(oldSize, size)
	}
	return nil
}

// spawn starts n workers. If one fails to start, the ones already started
// are killed.
func (p *Pool) spawn(n int) ([]*Worker, error) {
	workers := make([]*Worker, 0, n)
	for range n {
		w, err := NewWorker(&p.opts.Worker)
		if err != nil {
			stopAll(workers, true, p.logger)
			return nil, fmt.Errorf("failed to spawn worker: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, nil
}

// stopAll stops workers one after another.
func stopAll(workers []*Worker, force bool, logger *slog.Logger) {
	for _, w := range workers {
		var err error
		if force {
			err = w.ForceShutdown()
		} else {
			err = w.Shutdown()
		}
		if err != nil {
			logger.Warn("Failed to stop worker", "pid", w.PID(), "error", err)
		}
	}
}
