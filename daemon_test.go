package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/xpool/internal/config"
	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/jobs"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/process"
)

func TestMain(m *testing.M) {
	if process.IsChild() {
		os.Exit(process.ChildMain())
	}
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func testOptions(jobs string) *Options {
	return &Options{
		Config:            filepath.Join(os.TempDir(), "xpool-missing.toml"),
		Jobs:              jobs,
		Size:              2,
		ShutdownTimeout:   "10s",
		PollInterval:      "10ms",
		SuperviseInterval: "50ms",
		LoggingWorker:     "error",
	}
}

func TestParseDurations(t *testing.T) {
	opts := testOptions("-")
	durs, err := parseDurations(opts)
	if err != nil {
		t.Fatalf("parseDurations failed: %v", err)
	}
	if durs.shutdown != 10*time.Second || durs.poll != 10*time.Millisecond || durs.supervise != 50*time.Millisecond {
		t.Errorf("unexpected durations: %+v", durs)
	}

	for _, bad := range []func(*Options){
		func(o *Options) { o.ShutdownTimeout = "soon" },
		func(o *Options) { o.PollInterval = "" },
		func(o *Options) { o.SuperviseInterval = "0s" },
	} {
		opts := testOptions("-")
		bad(opts)
		if _, err := parseDurations(opts); err == nil {
			t.Errorf("expected an error for %+v", opts)
		}
	}
}

func TestDaemonRunsJobFile(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	var want []string
	for _, name := range []string{"a", "b", "c"} {
		path := filepath.Join(dir, name)
		want = append(want, path)
		lines = append(lines, "touch "+path)
	}
	lines = append(lines, "", "# comment", "@all true")

	jobFile := filepath.Join(dir, "jobs.txt")
	if err := os.WriteFile(jobFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("failed to write job file: %v", err)
	}

	d := newDaemon(testOptions(jobFile))
	if code := d.run(); code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}

	for _, path := range want {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("expected %s to exist after shutdown: %v", path, err)
		}
	}
	for _, info := range d.pool.Snapshot() {
		if info.State != process.StateDead || info.ExitCode != 0 {
			t.Errorf("worker %d: expected a clean exit, got %s with code %d", info.PID, info.State, info.ExitCode)
		}
	}
}

func TestDaemonRunsJobFileRepeatedly(t *testing.T) {
	for i := range 10 {
		dir := t.TempDir()
		path := filepath.Join(dir, "touched")
		jobFile := filepath.Join(dir, "jobs.txt")
		if err := os.WriteFile(jobFile, []byte("touch "+path+"\n"), 0o644); err != nil {
			t.Fatalf("failed to write job file: %v", err)
		}

		d := newDaemon(testOptions(jobFile))
		if code := d.run(); code != 0 {
			t.Fatalf("run %d: expected exit code 0, got %d", i, code)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("run %d: job was lost: %v", i, err)
		}
		if failed := countFailed(d.pool.Snapshot()); failed != 0 {
			t.Errorf("run %d: expected no faulted workers, got %d", i, failed)
		}
	}
}

func TestDaemonMissingJobFile(t *testing.T) {
	d := newDaemon(testOptions(filepath.Join(t.TempDir(), "nope.txt")))
	if code := d.run(); code != 1 {
		t.Errorf("expected exit code 1, got %d", code)
	}
}

func TestDaemonInvalidOptions(t *testing.T) {
	opts := testOptions("-")
	opts.Size = -1
	if code := newDaemon(opts).run(); code != 1 {
		t.Errorf("expected exit code 1 for a negative size, got %d", code)
	}
}

func TestDaemonStopBeforeRun(t *testing.T) {
	d := newDaemon(testOptions("-"))
	d.stop()
	if code := d.run(); code != 0 {
		t.Errorf("expected exit code 0, got %d", code)
	}
	if d.pool != nil {
		t.Error("expected no pool after an early stop")
	}
}

func TestDaemonApplyConfig(t *testing.T) {
	d := newDaemon(testOptions("-"))
	if _, err := d.start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer d.stop()

	reloaded := make(chan events.ConfigReloadedEvent, 1)
	unsub := d.bus.Subscribe(func(e events.ConfigReloadedEvent) { reloaded <- e })
	defer unsub()

	size := 3
	d.applyConfig(config.File{
		Pool:    config.Pool{Size: &size, ShutdownTimeout: 2 * time.Second},
		Logging: logging.Config{Level: "info", Format: "text"},
	})

	if got := d.pool.Size(); got != 3 {
		t.Errorf("expected pool size 3, got %d", got)
	}
	if got := time.Duration(d.shutdownTimeout.Load()); got != 2*time.Second {
		t.Errorf("expected shutdown timeout 2s, got %s", got)
	}

	select {
	case e := <-reloaded:
		if e.PoolSize != 3 {
			t.Errorf("expected reload event with size 3, got %d", e.PoolSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for config reload event")
	}
}

func TestDaemonRestartsFailedWorkers(t *testing.T) {
	opts := testOptions("-")
	opts.Size = 1
	opts.RestartFailed = true

	d := newDaemon(opts)
	if _, err := d.start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer d.stop()

	oldPID := d.pool.Workers()[0].PID()
	if _, err := d.pool.Schedule(&jobs.Shell{Command: "false"}); err != nil {
		t.Fatalf("Schedule failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		w := d.pool.Workers()[0]
		if w.PID() != oldPID && w.Alive() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timeout waiting for the failed worker to be restarted")
}

func TestCountFailed(t *testing.T) {
	infos := []process.Info{
		{State: process.StateIdle},
		{State: process.StateFailed},
		{State: process.StateDead},
		{State: process.StateDead, ExitCode: -1},
		{State: process.StateFailed},
	}
	if got := countFailed(infos); got != 3 {
		t.Errorf("expected 3 faulted workers, got %d", got)
	}
}

func TestStatusLine(t *testing.T) {
	infos := []process.Info{
		{State: process.StateBusy},
		{State: process.StateIdle},
		{State: process.StateBusy},
		{State: process.StateFailed},
	}
	if got, want := statusLine(infos), "4 workers, 2 busy, 1 failed"; got != want {
		t.Errorf("statusLine() = %q, want %q", got, want)
	}
	if got, want := statusLine(nil), "0 workers, 0 busy, 0 failed"; got != want {
		t.Errorf("statusLine(nil) = %q, want %q", got, want)
	}
}

func TestPoolSettings(t *testing.T) {
	s, err := poolSettings(testOptions("-"))
	if err != nil {
		t.Fatalf("poolSettings failed: %v", err)
	}
	if s.Size != 2 || s.PollInterval != 10*time.Millisecond || s.ShutdownTimeout != 10*time.Second || s.WorkerLogLevel != "error" {
		t.Errorf("unexpected settings: %+v", s)
	}
}
