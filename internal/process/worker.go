package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/xpool/internal/channel"
	"github.com/smazurov/xpool/internal/unit"
	"golang.org/x/sys/unix"
)

// ErrProcessDead is returned when scheduling work on a dead worker.
var ErrProcessDead = errors.New("worker process is dead")

const (
	childEnvKey        = "XPOOL_WORKER"
	pollIntervalEnvKey = "XPOOL_POLL_INTERVAL"
	logLevelEnvKey     = "XPOOL_LOG_LEVEL"

	// readyCheckInterval is how often a graceful stop looks for the child's
	// first report before signalling it.
	readyCheckInterval = 5 * time.Millisecond
)

// Worker is one child process together with its work and status channels.
// The channel pair belongs to the Worker, not to the process: Restart swaps
// the process and keeps the channels.
type Worker struct {
	opts   WorkerOptions
	logger *slog.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	pid           int
	exited        chan struct{}
	work          *channel.Channel
	status        *channel.Channel
	channelsOpen  bool
	dispatchCount int
	state         status
	ready         bool
	exitCode      int
	shutdown      bool
}

// NewWorker opens a fresh channel pair and spawns a child process.
// It returns as soon as the child is started.
func NewWorker(opts *WorkerOptions) (*Worker, error) {
	w := &Worker{}
	if opts != nil {
		w.opts = *opts
	}
	w.logger = w.opts.Logger
	if w.logger == nil {
		w.logger = slog.Default()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.openChannels(); err != nil {
		return nil, err
	}
	if err := w.spawn(); err != nil {
		w.closeChannels()
		return nil, err
	}
	return w, nil
}

// PID returns the process ID of the current child.
func (w *Worker) PID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pid
}

// ExitCode returns the exit status of the current child once it has been
// reaped. A child killed by a signal reports -1.
func (w *Worker) ExitCode() (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.exited:
		return w.exitCode, true
	default:
		return 0, false
	}
}

// DispatchCount returns how many units have been scheduled on this worker
// since it was spawned or last restarted.
func (w *Worker) DispatchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dispatchCount
}

// Schedule enqueues u with args on the worker's work channel.
// It does not wait for the unit to run.
func (w *Worker) Schedule(u unit.Unit, args ...any) (*Worker, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.synchronize()
	if w.state.Dead {
		return nil, fmt.Errorf("%w: pid %d", ErrProcessDead, w.pid)
	}

	env, err := unit.Pack(u, args)
	if err != nil {
		return nil, err
	}
	if err := w.work.Send(env); err != nil {
		return nil, fmt.Errorf("failed to enqueue unit on worker %d: %w", w.pid, err)
	}
	w.dispatchCount++

	w.logger.Debug("Unit scheduled", "pid", w.pid, "job_id", env.ID, "unit", env.Unit)
	return w, nil
}

// Busy reports whether the child was executing a unit at its last report.
func (w *Worker) Busy() bool {
	return w.snapshot().Busy
}

// Idle is the negation of Busy.
func (w *Worker) Idle() bool {
	return !w.Busy()
}

// Failed reports whether a unit failed inside the child.
func (w *Worker) Failed() bool {
	return w.snapshot().Failed
}

// Dead reports whether the child has exited.
func (w *Worker) Dead() bool {
	return w.snapshot().Dead
}

// Alive is the negation of Dead.
func (w *Worker) Alive() bool {
	return !w.Dead()
}

// Backtrace returns the stack trace captured when a unit failed,
// or an empty string if the worker has not failed.
func (w *Worker) Backtrace() string {
	st := w.snapshot()
	if !st.Failed {
		return ""
	}
	return st.Backtrace
}

// Info returns a synchronized snapshot of the worker.
func (w *Worker) Info() Info {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.synchronize()
	info := Info{
		PID:           w.pid,
		State:         w.state.state(),
		DispatchCount: w.dispatchCount,
	}
	if w.state.Failed {
		info.Backtrace = w.state.Backtrace
	}
	select {
	case <-w.exited:
		info.ExitCode = w.exitCode
	default:
	}
	return info
}

// Shutdown gracefully stops the worker. The child finishes every unit already
// enqueued before it exits. Shutdown blocks until the child is reaped and then
// closes both channels. Calling Shutdown on a stopped worker is a no-op.
func (w *Worker) Shutdown() error {
	return w.stop(unix.SIGUSR1, true)
}

// ForceShutdown kills the child immediately. Units not yet picked up are lost.
func (w *Worker) ForceShutdown() error {
	return w.stop(unix.SIGKILL, true)
}

// Restart gracefully stops the current child and spawns a replacement attached
// to the same channel pair, so units still queued on the work channel (for
// example behind a unit that failed) are run by the new child.
// It returns the new process ID. If the replacement cannot be spawned the
// channels are closed and the worker stays shut down.
func (w *Worker) Restart() (int, error) {
	if err := w.stop(unix.SIGUSR1, false); err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.channelsOpen {
		w.discardStatus()
	} else if err := w.openChannels(); err != nil {
		return 0, err
	}

	oldPID := w.pid
	w.dispatchCount = 0
	if err := w.spawn(); err != nil {
		w.closeChannels()
		return 0, err
	}
	w.shutdown = false
	w.setState(status{})

	w.logger.Info("Worker restarted", "old_pid", oldPID, "pid", w.pid)
	return w.pid, nil
}

// snapshot synchronizes and returns the cached status.
func (w *Worker) snapshot() status {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.synchronize()
	return w.state
}

// synchronize drains every pending status update, keeping the latest one.
// Once the reaper has seen the child exit, the snapshot is marked dead.
// Must hold lock.
func (w *Worker) synchronize() {
	if w.shutdown {
		return
	}

	for w.status.Readable() {
		var st status
		if err := w.status.Recv(&st); err != nil {
			w.logger.Warn("Failed to read worker status", "pid", w.pid, "error", err)
			break
		}
		w.ready = true
		w.setState(st)
	}

	select {
	case <-w.exited:
		if !w.state.Dead {
			st := w.state
			st.Busy = false
			st.Dead = true
			w.setState(st)
		}
	default:
	}
}

// setState replaces the cached status and reports derived state changes.
// Must hold lock.
func (w *Worker) setState(st status) {
	oldState := w.state.state()
	w.state = st
	newState := st.state()
	if newState == oldState {
		return
	}
	w.logger.Debug("Worker state changed", "pid", w.pid, "from", oldState, "to", newState)
	if w.opts.OnStateChange != nil {
		w.opts.OnStateChange(w.pid, oldState, newState, st.Backtrace)
	}
}

// discardStatus drops status updates left behind by a previous child.
// Must hold lock.
func (w *Worker) discardStatus() {
	for w.status.Readable() {
		var st status
		if err := w.status.Recv(&st); err != nil {
			return
		}
	}
}

// stop signals the child, waits for it to be reaped and marks the worker
// shut down. A concurrent stop that loses the race returns without effect.
func (w *Worker) stop(sig syscall.Signal, closeChannels bool) error {
	w.mu.Lock()
	if w.shutdown {
		w.mu.Unlock()
		return nil
	}
	proc, pid, exited := w.cmd.Process, w.pid, w.exited
	w.mu.Unlock()

	if sig != unix.SIGKILL {
		// Until the child has reported in, the graceful signal would still
		// terminate it with its queue unread.
		w.waitReady(exited)
	}

	w.logger.Info("Stopping worker", "pid", pid, "signal", sig.String())
	if err := proc.Signal(sig); err != nil && !isProcessGone(err) {
		return fmt.Errorf("failed to signal worker %d: %w", pid, err)
	}
	<-exited

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.shutdown || w.exited != exited {
		return nil
	}
	w.synchronize()
	w.shutdown = true
	if closeChannels {
		w.closeChannels()
	}
	w.logger.Info("Worker stopped", "pid", pid, "state", w.state.state())
	return nil
}

// waitReady blocks until the child spawned with exited has sent its first
// status report or has exited.
func (w *Worker) waitReady(exited <-chan struct{}) {
	ticker := time.NewTicker(readyCheckInterval)
	defer ticker.Stop()
	for {
		w.mu.Lock()
		if w.exited == exited {
			w.synchronize()
		}
		done := w.ready || w.shutdown || w.exited != exited
		w.mu.Unlock()
		if done {
			return
		}

		select {
		case <-exited:
			return
		case <-ticker.C:
		}
	}
}

// openChannels creates a fresh work/status channel pair (must hold lock).
func (w *Worker) openChannels() error {
	work, err := channel.New()
	if err != nil {
		return fmt.Errorf("failed to open work channel: %w", err)
	}
	st, err := channel.New()
	if err != nil {
		_ = work.Close()
		return fmt.Errorf("failed to open status channel: %w", err)
	}
	w.work, w.status = work, st
	w.channelsOpen = true
	return nil
}

// closeChannels releases both channels (must hold lock).
func (w *Worker) closeChannels() {
	if !w.channelsOpen {
		return
	}
	if err := w.work.Close(); err != nil {
		w.logger.Warn("Failed to close work channel", "pid", w.pid, "error", err)
	}
	if err := w.status.Close(); err != nil {
		w.logger.Warn("Failed to close status channel", "pid", w.pid, "error", err)
	}
	w.channelsOpen = false
}

// spawn starts a child attached to the current channel pair (must hold lock).
func (w *Worker) spawn() error {
	executable := w.opts.Executable
	if executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to resolve executable: %w", err)
		}
		executable = exe
	}

	workR, _ := w.work.Files()
	_, statusW := w.status.Files()

	outR, outW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(executable, w.opts.Args...)
	cmd.Env = append(os.Environ(), w.childEnv()...)
	cmd.ExtraFiles = []*os.File{workR, statusW}
	cmd.Stdout = os.Stdout
	cmd.Stderr = outW
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = outR.Close()
		_ = outW.Close()
		w.logger.Error("Failed to start worker", "error", err, "executable", executable)
		return fmt.Errorf("failed to start worker: %w", err)
	}
	_ = outW.Close()

	w.cmd = cmd
	w.pid = cmd.Process.Pid
	w.ready = false
	w.exitCode = 0
	exited := make(chan struct{})
	w.exited = exited

	logger := w.logger.With("pid", w.pid)
	logger.Info("Worker started")

	go streamOutput(outR, logger, parseWorkerLogLine)
	go func() {
		defer close(exited)
		err := cmd.Wait()
		code := exitCodeFromError(err)
		w.mu.Lock()
		if w.exited == exited {
			w.exitCode = code
		}
		w.mu.Unlock()

		if err != nil && isProcessGone(err) {
			logger.Debug("Worker already reaped")
			return
		}
		logger.Info("Worker exited", "exit_code", code)
	}()

	return nil
}

// childEnv returns the environment additions that put the child in worker mode.
func (w *Worker) childEnv() []string {
	env := []string{childEnvKey + "=1"}
	if w.opts.PollInterval > 0 {
		env = append(env, pollIntervalEnvKey+"="+w.opts.PollInterval.String())
	}
	if w.opts.LogLevel != "" {
		env = append(env, logLevelEnvKey+"="+w.opts.LogLevel)
	}
	return append(env, w.opts.Env...)
}

// isProcessGone reports whether err means the process already exited or was
// already reaped, which is the end state a stop is after anyway.
func isProcessGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, unix.ESRCH) ||
		errors.Is(err, unix.ECHILD)
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError (-1 when the process
// was killed by a signal), or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
