package process

import (
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestWorkerDispatchCount(t *testing.T) {
	w := newTestWorker(t)

	for range 4 {
		if _, err := w.Schedule(&sleeper{Duration: 100 * time.Millisecond}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	if got := w.DispatchCount(); got != 4 {
		t.Errorf("expected dispatch count 4, got %d", got)
	}
}

func TestWorkerScheduleReturnsWorker(t *testing.T) {
	w := newTestWorker(t)

	got, err := w.Schedule(&sleeper{})
	if err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if got != w {
		t.Error("expected Schedule to return the worker itself")
	}
}

func TestWorkerShutdownDrainsQueue(t *testing.T) {
	w := newTestWorker(t)

	paths := make([]string, 5)
	for i := range paths {
		paths[i] = tempPath(t)
		if _, err := w.Schedule(&ioWriter{Path: paths[i]}); err != nil {
			t.Fatalf("Schedule failed: %v", err)
		}
	}

	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, p := range paths {
		if !wroteToDisk(p) {
			t.Errorf("expected %s to be written before shutdown returned", p)
		}
	}
	if !w.Dead() || w.Alive() {
		t.Error("expected worker to be dead after shutdown")
	}
	if w.Failed() {
		t.Error("expected clean shutdown not to be reported as failed")
	}
}

func TestWorkerShutdownTwice(t *testing.T) {
	w := newTestWorker(t)

	if err := w.Shutdown(); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Errorf("second Shutdown should be a no-op, got %v", err)
	}
	if err := w.ForceShutdown(); err != nil {
		t.Errorf("ForceShutdown after Shutdown should be a no-op, got %v", err)
	}
}

func TestWorkerScheduleAfterShutdown(t *testing.T) {
	w := newTestWorker(t)

	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	path := tempPath(t)
	_, err := w.Schedule(&ioWriter{Path: path})
	if !errors.Is(err, ErrProcessDead) {
		t.Fatalf("expected ErrProcessDead, got %v", err)
	}
	if got := w.DispatchCount(); got != 0 {
		t.Errorf("expected dispatch count 0 after rejected schedule, got %d", got)
	}
}

func TestWorkerBusyIdle(t *testing.T) {
	w := newTestWorker(t)

	if !w.Idle() {
		t.Error("expected fresh worker to be idle")
	}

	if _, err := w.Schedule(&sleeper{Duration: 500 * time.Millisecond}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	waitFor(t, 2*time.Second, w.Busy, "worker to report busy")
	waitFor(t, 2*time.Second, w.Idle, "worker to report idle again")

	if !w.Alive() {
		t.Error("expected worker to stay alive after a successful unit")
	}
}

func TestWorkerFailure(t *testing.T) {
	w := newTestWorker(t)

	path := tempPath(t)
	if _, err := w.Schedule(&raiser{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := w.Schedule(&ioWriter{Path: path}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	waitFor(t, 2*time.Second, w.Failed, "worker to report failure")

	if !w.Dead() {
		t.Error("expected failed worker to be dead")
	}
	if w.Busy() {
		t.Error("expected failed worker not to be busy")
	}
	if bt := w.Backtrace(); !strings.Contains(bt, "raised on purpose") {
		t.Errorf("expected backtrace to mention the error, got %q", bt)
	}

	time.Sleep(100 * time.Millisecond)
	if wroteToDisk(path) {
		t.Error("expected no unit to run after the failure")
	}

	if _, err := w.Schedule(&sleeper{}); !errors.Is(err, ErrProcessDead) {
		t.Errorf("expected ErrProcessDead after failure, got %v", err)
	}
}

func TestWorkerPanicIsFailure(t *testing.T) {
	w := newTestWorker(t)

	if _, err := w.Schedule(panicker{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	waitFor(t, 2*time.Second, w.Failed, "worker to report failure")

	bt := w.Backtrace()
	if !strings.Contains(bt, "boom") {
		t.Errorf("expected backtrace to contain panic value, got %q", bt)
	}
	if !strings.Contains(bt, "goroutine") {
		t.Errorf("expected backtrace to contain a stack, got %q", bt)
	}
}

func TestWorkerBacktraceEmptyWhenHealthy(t *testing.T) {
	w := newTestWorker(t)

	if bt := w.Backtrace(); bt != "" {
		t.Errorf("expected empty backtrace, got %q", bt)
	}
}

func TestWorkerFailedStaysFailedAfterShutdown(t *testing.T) {
	w := newTestWorker(t)

	if _, err := w.Schedule(&raiser{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	// Shut down without observing the failure first; the pending report
	// must still be picked up.
	time.Sleep(200 * time.Millisecond)
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !w.Failed() || !w.Dead() {
		t.Error("expected worker to be failed and dead")
	}
}

func TestWorkerRestartPreservesQueue(t *testing.T) {
	w := newTestWorker(t)
	oldPID := w.PID()

	path := tempPath(t)
	if _, err := w.Schedule(&raiser{Delay: 200 * time.Millisecond}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := w.Schedule(&ioWriter{Path: path}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	waitFor(t, 2*time.Second, w.Failed, "worker to report failure")
	if wroteToDisk(path) {
		t.Fatal("unit queued behind the failure ran before restart")
	}

	pid, err := w.Restart()
	if err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
	if pid == oldPID || pid != w.PID() {
		t.Errorf("expected a new pid, old=%d new=%d PID()=%d", oldPID, pid, w.PID())
	}
	if !w.Alive() || w.Failed() {
		t.Error("expected restarted worker to be alive and not failed")
	}
	if got := w.DispatchCount(); got != 0 {
		t.Errorf("expected dispatch count reset, got %d", got)
	}

	waitFor(t, 2*time.Second, func() bool { return wroteToDisk(path) }, "queued unit to run on the replacement")
}

func TestWorkerRestartAfterShutdown(t *testing.T) {
	w := newTestWorker(t)

	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if _, err := w.Restart(); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	path := tempPath(t)
	if _, err := w.Schedule(&ioWriter{Path: path}); err != nil {
		t.Fatalf("Schedule after restart failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if !wroteToDisk(path) {
		t.Error("expected unit to run on restarted worker")
	}
}

func TestWorkerForceShutdown(t *testing.T) {
	w := newTestWorker(t)

	path := tempPath(t)
	if _, err := w.Schedule(&sleeper{Duration: 10 * time.Second}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := w.Schedule(&ioWriter{Path: path}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitFor(t, 2*time.Second, w.Busy, "worker to start sleeping")

	start := time.Now()
	if err := w.ForceShutdown(); err != nil {
		t.Fatalf("ForceShutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("force shutdown took too long: %v", elapsed)
	}

	if !w.Dead() {
		t.Error("expected worker to be dead")
	}
	if wroteToDisk(path) {
		t.Error("expected pending unit to be abandoned")
	}
}

func TestWorkerSetupRunsOnceBeforeFirstUnit(t *testing.T) {
	w := newTestWorker(t)

	first, second := tempPath(t), tempPath(t)
	if _, err := w.Schedule(&ioSetupWriter{Path: first}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if _, err := w.Schedule(&ioSetupWriter{Path: second}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if !wroteToDisk(first) {
		t.Error("expected setup to run for the first unit")
	}
	if wroteToDisk(second) {
		t.Error("expected setup not to run for later units")
	}
}

func TestWorkerPassesArgs(t *testing.T) {
	w := newTestWorker(t)

	path := tempPath(t)
	if _, err := w.Schedule(&argWriter{Path: path}, "a", 1, true); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if got := string(data); got != "a,1,true" {
		t.Errorf("expected args %q, got %q", "a,1,true", got)
	}
}

func TestWorkerKilledExternally(t *testing.T) {
	w := newTestWorker(t)

	if err := syscall.Kill(w.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill failed: %v", err)
	}

	waitFor(t, 2*time.Second, w.Dead, "worker to be reported dead")
	if w.Failed() {
		t.Error("expected an external kill not to be reported as a unit failure")
	}
	if err := w.Shutdown(); err != nil {
		t.Errorf("Shutdown of an already dead worker failed: %v", err)
	}
}

func TestWorkerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	var lastBacktrace string

	opts := testWorkerOptions()
	opts.OnStateChange = func(_ int, _, newState State, backtrace string) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, newState)
		lastBacktrace = backtrace
	}
	w, err := NewWorker(&opts)
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}
	defer w.ForceShutdown()

	if _, err := w.Schedule(&raiser{Delay: 100 * time.Millisecond}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitFor(t, 2*time.Second, w.Failed, "worker to report failure")

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) == 0 || transitions[len(transitions)-1] != StateFailed {
		t.Fatalf("expected last transition to be failed, got %v", transitions)
	}
	if lastBacktrace == "" {
		t.Error("expected callback to receive the backtrace")
	}
}

func TestConcurrentGracefulAndForcefulShutdown(t *testing.T) {
	w := newTestWorker(t)

	if _, err := w.Schedule(&sleeper{Duration: 10 * time.Second}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	waitFor(t, 2*time.Second, w.Busy, "worker to start sleeping")

	done := make(chan error, 1)
	go func() { done <- w.Shutdown() }()

	time.Sleep(100 * time.Millisecond)
	if err := w.ForceShutdown(); err != nil {
		t.Fatalf("ForceShutdown failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("graceful Shutdown returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("graceful Shutdown did not return after the process was killed")
	}
	if !w.Dead() {
		t.Error("expected worker to be dead")
	}
}

func TestWorkerShutdownRightAfterSpawn(t *testing.T) {
	for i := range 50 {
		opts := testWorkerOptions()
		w, err := NewWorker(&opts)
		if err != nil {
			t.Fatalf("run %d: NewWorker failed: %v", i, err)
		}

		path := tempPath(t)
		if _, err := w.Schedule(&ioWriter{Path: path}); err != nil {
			_ = w.ForceShutdown()
			t.Fatalf("run %d: Schedule failed: %v", i, err)
		}
		if err := w.Shutdown(); err != nil {
			t.Fatalf("run %d: Shutdown failed: %v", i, err)
		}

		if !wroteToDisk(path) {
			t.Errorf("run %d: queued unit was lost", i)
		}
		if code, ok := w.ExitCode(); !ok || code != 0 {
			t.Errorf("run %d: expected exit code 0, got %d (reaped=%v)", i, code, ok)
		}
	}
}

func TestWorkerExitCode(t *testing.T) {
	w := newTestWorker(t)
	if _, ok := w.ExitCode(); ok {
		t.Error("expected no exit code while the worker runs")
	}

	if err := syscall.Kill(w.PID(), syscall.SIGKILL); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	waitFor(t, 2*time.Second, w.Dead, "worker to be reported dead")

	code, ok := w.ExitCode()
	if !ok || code != -1 {
		t.Errorf("expected exit code -1 after a kill, got %d (reaped=%v)", code, ok)
	}
	info := w.Info()
	if info.ExitCode != -1 || !info.Faulted() {
		t.Errorf("expected a killed worker to be faulted, got %+v", info)
	}
}

func TestWorkerFailedUnitExitCode(t *testing.T) {
	w := newTestWorker(t)

	if _, err := w.Schedule(&raiser{}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if code, _ := w.ExitCode(); code != 1 {
		t.Errorf("expected exit code 1 after a failed unit, got %d", code)
	}
}

func TestWorkerRestartSpawnFailure(t *testing.T) {
	w := newTestWorker(t)
	w.opts.Executable = "/nonexistent/xpool-worker"

	if _, err := w.Restart(); err == nil {
		t.Fatal("expected Restart to fail")
	}

	w.mu.Lock()
	open, shutdown := w.channelsOpen, w.shutdown
	w.mu.Unlock()
	if open {
		t.Error("expected channels to be closed after a failed restart")
	}
	if !shutdown {
		t.Error("expected the worker to stay shut down")
	}
	if _, err := w.Schedule(&sleeper{}); !errors.Is(err, ErrProcessDead) {
		t.Errorf("expected ErrProcessDead, got %v", err)
	}
	if err := w.Shutdown(); err != nil {
		t.Errorf("Shutdown after a failed restart should be a no-op, got %v", err)
	}
}

func TestInfoFaulted(t *testing.T) {
	tests := []struct {
		info Info
		want bool
	}{
		{Info{State: StateIdle}, false},
		{Info{State: StateBusy}, false},
		{Info{State: StateDead}, false},
		{Info{State: StateDead, ExitCode: -1}, true},
		{Info{State: StateDead, ExitCode: 2}, true},
		{Info{State: StateFailed, ExitCode: 1}, true},
	}
	for _, tt := range tests {
		if got := tt.info.Faulted(); got != tt.want {
			t.Errorf("Faulted(%+v) = %v, want %v", tt.info, got, tt.want)
		}
	}
}
