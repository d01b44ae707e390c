package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/smazurov/xpool/internal/channel"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/unit"
	"golang.org/x/sys/unix"
)

// File descriptors the parent passes through exec.Cmd.ExtraFiles.
const (
	workFD   = 3
	statusFD = 4
)

// IsChild reports whether this process was spawned as a pool worker.
// Programs using a Pool must check it at the very top of main (and of
// TestMain in test binaries) and hand control to ChildMain.
//
//	func main() {
//	    if process.IsChild() {
//	        os.Exit(process.ChildMain())
//	    }
//	    ...
//	}
func IsChild() bool {
	return os.Getenv(childEnvKey) == "1"
}

// ChildMain runs the worker loop and returns the process exit code:
// 0 after a graceful drain, 1 after a unit failed.
func ChildMain() int {
	var shutdownRequested atomic.Bool
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, unix.SIGUSR1)
	defer signal.Stop(sigChan)
	go func() {
		for range sigChan {
			shutdownRequested.Store(true)
		}
	}()

	interval := DefaultPollInterval
	if v := os.Getenv(pollIntervalEnvKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}

	c := &child{
		work:     channel.FromFiles(os.NewFile(workFD, "work"), nil),
		status:   channel.FromFiles(nil, os.NewFile(statusFD, "status")),
		interval: interval,
		logger:   logging.NewChildLogger(os.Stderr, os.Getenv(logLevelEnvKey)).With("pid", os.Getpid()),
	}

	// The parent holds back SIGUSR1 until this first report arrives.
	c.report(status{})
	return c.run(&shutdownRequested)
}

// child is the worker loop running inside a spawned process.
type child struct {
	work      *channel.Channel
	status    *channel.Channel
	interval  time.Duration
	logger    *slog.Logger
	setupDone bool
}

// run polls the work channel until a unit fails or shutdown is requested
// and nothing is left to drain.
func (c *child) run(shutdownRequested *atomic.Bool) int {
	c.logger.Debug("Worker loop started", "poll_interval", c.interval)

	for {
		if c.work.Readable() {
			if err := c.runNext(); err != nil {
				return 1
			}
		} else {
			time.Sleep(c.interval)
		}

		if shutdownRequested.Load() && !c.work.Readable() {
			c.logger.Debug("Work queue drained, exiting")
			return 0
		}
	}
}

// runNext receives and executes one unit, reporting busy/idle around it.
func (c *child) runNext() error {
	c.report(status{Busy: true})

	var env unit.Envelope
	if err := c.work.Recv(&env); err != nil {
		c.fail(err, fmt.Sprintf("%+v", pkgerrors.WithStack(err)))
		return err
	}

	u, args, err := env.Unpack()
	if err != nil {
		c.fail(err, fmt.Sprintf("%+v", pkgerrors.WithStack(err)))
		return err
	}

	logger := c.logger.With("job_id", env.ID, "unit", env.Unit)

	if !c.setupDone {
		c.setupDone = true
		if s, ok := u.(unit.Setuper); ok {
			logger.Debug("Running unit setup")
			if backtrace, setupErr := invoke(s.Setup); setupErr != nil {
				c.fail(setupErr, backtrace)
				return setupErr
			}
		}
	}

	start := time.Now()
	if backtrace, callErr := invoke(func() error { return u.Call(args...) }); callErr != nil {
		c.fail(callErr, backtrace)
		return callErr
	}
	logger.Debug("Unit finished", "duration", time.Since(start))

	c.report(status{})
	return nil
}

// fail reports a terminal failure to the parent.
func (c *child) fail(err error, backtrace string) {
	c.logger.Error("Unit failed", "error", err)
	c.report(status{Failed: true, Dead: true, Backtrace: backtrace})
}

func (c *child) report(st status) {
	if err := c.status.Send(st); err != nil {
		c.logger.Warn("Failed to report status", "error", err)
	}
}

// invoke runs fn and turns both returned errors and panics into a failure
// with a backtrace.
func invoke(fn func() error) (backtrace string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			backtrace = fmt.Sprintf("panic: %v\n\n%s", r, debug.Stack())
		}
	}()

	if err = fn(); err != nil {
		return fmt.Sprintf("%+v", pkgerrors.WithStack(err)), err
	}
	return "", nil
}
