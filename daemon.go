package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/xpool/cmd"
	"github.com/smazurov/xpool/internal/api"
	"github.com/smazurov/xpool/internal/config"
	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/jobs"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/metrics"
	"github.com/smazurov/xpool/internal/process"
	"github.com/smazurov/xpool/internal/systemd"
)

// daemon owns the pool and everything attached to it for one run of the
// root command.
type daemon struct {
	opts   *Options
	logger *slog.Logger
	bus    *events.Bus

	shutdownTimeout atomic.Int64

	mu          sync.Mutex
	stopped     bool
	cancel      context.CancelFunc
	pool        *process.Pool
	server      *api.Server
	watcher     *config.Watcher[config.File]
	unsubscribe func()
	supervising sync.WaitGroup
	stopOnce    sync.Once
}

type durations struct {
	shutdown  time.Duration
	poll      time.Duration
	supervise time.Duration
}

func newDaemon(opts *Options) *daemon {
	return &daemon{
		opts:   opts,
		logger: logging.GetLogger("main"),
		bus:    events.New(),
	}
}

func parseDurations(opts *Options) (durations, error) {
	var d durations
	var err error
	if d.shutdown, err = time.ParseDuration(opts.ShutdownTimeout); err != nil {
		return d, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	if d.poll, err = time.ParseDuration(opts.PollInterval); err != nil {
		return d, fmt.Errorf("invalid poll interval: %w", err)
	}
	if d.supervise, err = time.ParseDuration(opts.SuperviseInterval); err != nil {
		return d, fmt.Errorf("invalid supervise interval: %w", err)
	}
	if d.supervise <= 0 {
		return d, fmt.Errorf("supervise interval must be positive, got %s", d.supervise)
	}
	return d, nil
}

func poolSettings(opts *Options) (cmd.PoolSettings, error) {
	durs, err := parseDurations(opts)
	if err != nil {
		return cmd.PoolSettings{}, err
	}
	return cmd.PoolSettings{
		Size:            opts.Size,
		PollInterval:    durs.poll,
		ShutdownTimeout: durs.shutdown,
		WorkerLogLevel:  opts.LoggingWorker,
	}, nil
}

// run starts the pool, feeds it the job input and shuts it down once the
// input ends. It returns the process exit code.
func (d *daemon) run() int {
	ctx, err := d.start()
	if err != nil {
		d.logger.Error("Failed to start", "error", err)
		d.stop()
		return 1
	}
	if ctx == nil {
		return 0
	}

	input, closeInput, err := openJobs(d.opts.Jobs)
	if err != nil {
		d.logger.Error("Failed to open job input", "path", d.opts.Jobs, "error", err)
		d.stop()
		return 1
	}
	defer closeInput()

	dispatcher := jobs.NewDispatcher(d.pool, d.bus, logging.GetLogger("jobs"))
	count, err := dispatcher.Run(ctx, input)
	code := 0
	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		d.logger.Error("Failed to read job input", "error", err)
		code = 1
	default:
		d.logger.Info("Job input finished", "jobs", count)
	}

	if code == 0 && d.opts.KeepAlive {
		<-ctx.Done()
	}

	d.stop()
	return code
}

// start builds the pool and its attachments. It returns a nil context when
// stop already ran.
func (d *daemon) start() (context.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil, nil
	}

	durs, err := parseDurations(d.opts)
	if err != nil {
		return nil, err
	}
	d.shutdownTimeout.Store(int64(durs.shutdown))

	size := d.opts.Size
	if size == 0 {
		size = process.DefaultSize()
	}

	pool, err := process.NewPool(&process.PoolOptions{
		Size: size,
		Worker: process.WorkerOptions{
			PollInterval:  durs.poll,
			LogLevel:      d.opts.LoggingWorker,
			OnStateChange: d.publishStateChange,
			Logger:        logging.GetLogger("worker"),
		},
		OnResize: func(oldSize, newSize int) {
			d.bus.Publish(events.PoolResizedEvent{
				OldSize:   oldSize,
				NewSize:   newSize,
				Timestamp: events.Timestamp(time.Now()),
			})
		},
		Logger: logging.GetLogger("pool"),
	})
	if err != nil {
		return nil, err
	}
	d.pool = pool
	d.logger.Info("Pool started", "size", pool.Size())

	exporter := metrics.NewExporter(pool)
	d.unsubscribe = exporter.Recorder().Subscribe(d.bus)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.opts.Listen != "" {
		d.server = api.NewServer(&api.Options{
			AuthUsername:   d.opts.AuthUsername,
			AuthPassword:   d.opts.AuthPassword,
			Pool:           pool,
			Dispatcher:     jobs.NewDispatcher(pool, d.bus, logging.GetLogger("jobs")),
			EventBus:       d.bus,
			MetricsHandler: exporter.Handler(),
		})
		go func(server *api.Server, addr string) {
			if err := server.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error("API server failed", "addr", addr, "error", err)
			}
		}(d.server, d.opts.Listen)
	}

	if d.opts.WatchConfig {
		d.watcher = config.NewConfigWatcher(d.opts.Config, config.LoadFile, logging.GetLogger("config"))
		d.watcher.OnReload(d.applyConfig)
		if err := d.watcher.Start(ctx); err != nil {
			d.logger.Warn("Failed to start config watcher, hot-reload disabled", "error", err)
			d.watcher = nil
		}
	}

	d.supervising.Add(1)
	go d.supervise(ctx, durs.supervise)

	d.notify(systemd.Ready(fmt.Sprintf("%d workers", pool.Size())))
	return ctx, nil
}

// stop shuts everything down exactly once. Units already queued run to
// completion unless the shutdown timeout expires first.
func (d *daemon) stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.stopped = true
		d.notify(systemd.Stopping())

		if d.cancel != nil {
			d.cancel()
		}
		d.supervising.Wait()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.logger.Warn("Error stopping config watcher", "error", err)
			}
		}
		if d.server != nil {
			if err := d.server.Stop(); err != nil {
				d.logger.Error("Error stopping API server", "error", err)
			}
		}
		if d.pool != nil {
			d.pool.Shutdown(time.Duration(d.shutdownTimeout.Load()))
			if failed := countFailed(d.pool.Snapshot()); failed > 0 {
				d.logger.Warn("Workers finished with failures", "failed", failed)
			}
		}
		if d.unsubscribe != nil {
			d.unsubscribe()
		}
	})
}

// supervise refreshes worker states so state changes are published while
// nothing is being scheduled. It keeps the systemd status line current and
// restarts failed workers when asked to.
func (d *daemon) supervise(ctx context.Context, interval time.Duration) {
	defer d.supervising.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if line := statusLine(d.pool.Snapshot()); line != last {
				last = line
				d.notify(systemd.Status(line))
			}
			if !d.opts.RestartFailed {
				continue
			}
			if pids := d.pool.RestartFailed(); len(pids) > 0 {
				d.logger.Info("Restarted failed workers", "pids", pids)
			}
		}
	}
}

func (d *daemon) publishStateChange(pid int, oldState, newState process.State, backtrace string) {
	d.bus.Publish(events.WorkerStateChangedEvent{
		PID:       pid,
		OldState:  string(oldState),
		NewState:  string(newState),
		Backtrace: backtrace,
		Timestamp: events.Timestamp(time.Now()),
	})
}

// applyConfig applies a reloaded config file. A file without pool.size
// leaves the pool alone.
func (d *daemon) applyConfig(file config.File) {
	d.notify(systemd.Reloading())
	if file.Pool.Size != nil {
		if err := d.pool.Resize(*file.Pool.Size); err != nil {
			d.logger.Error("Failed to resize pool from config", "size", *file.Pool.Size, "error", err)
		}
	}
	if file.Pool.ShutdownTimeout > 0 {
		d.shutdownTimeout.Store(int64(file.Pool.ShutdownTimeout))
	}
	logging.Initialize(file.Logging)

	d.logger.Info("Config reloaded", "path", d.opts.Config, "size", d.pool.Size())
	d.notify(systemd.Ready(fmt.Sprintf("%d workers", d.pool.Size())))
	d.bus.Publish(events.ConfigReloadedEvent{
		Path:      d.opts.Config,
		PoolSize:  d.pool.Size(),
		Timestamp: events.Timestamp(time.Now()),
	})
}

func (d *daemon) notify(_ bool, err error) {
	if err != nil {
		d.logger.Debug("Failed to notify systemd", "error", err)
	}
}

func openJobs(path string) (io.Reader, func(), error) {
	if path == "-" || path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// statusLine summarizes a snapshot for systemctl status.
func statusLine(infos []process.Info) string {
	busy := 0
	for _, info := range infos {
		if info.State == process.StateBusy {
			busy++
		}
	}
	return fmt.Sprintf("%d workers, %d busy, %d failed", len(infos), busy, countFailed(infos))
}

func countFailed(infos []process.Info) int {
	n := 0
	for _, info := range infos {
		if info.Faulted() {
			n++
		}
	}
	return n
}
