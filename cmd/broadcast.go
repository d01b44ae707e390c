package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/smazurov/xpool/internal/jobs"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/process"
	"github.com/spf13/cobra"
)

// PoolSettings are the root options a subcommand needs to build its own pool.
type PoolSettings struct {
	Size            int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	WorkerLogLevel  string
}

// CreateBroadcastCmd creates the broadcast command. settings is called after
// flags and config are parsed.
func CreateBroadcastCmd(settings func() (PoolSettings, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast [command] [args...]",
		Short: "Run one command on every worker",
		Long: `Spawns a pool, runs the command once in every worker and shuts the pool down. ` +
			`Extra arguments are appended to the command. Exits with status 1 if any worker failed.`,
		Args: cobra.MinimumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			logger := logging.GetLogger("broadcast")

			s, err := settings()
			if err != nil {
				logger.Error("Invalid pool settings", "error", err)
				os.Exit(2)
			}

			failed, err := RunBroadcast(s, args[0], args[1:], logger)
			if err != nil {
				logger.Error("Broadcast failed", "error", err)
				os.Exit(1)
			}
			if failed > 0 {
				logger.Error("Command failed on some workers", "failed", failed)
				os.Exit(1)
			}
		},
	}
}

// RunBroadcast runs command with args on every worker of a fresh pool and
// waits for the pool to drain. It returns the number of workers that failed a
// unit or did not exit cleanly.
func RunBroadcast(s PoolSettings, command string, args []string, logger *slog.Logger) (int, error) {
	if _, err := jobs.ParseCommand(command); err != nil {
		return 0, err
	}

	size := s.Size
	if size == 0 {
		size = process.DefaultSize()
	}

	pool, err := process.NewPool(&process.PoolOptions{
		Size: size,
		Worker: process.WorkerOptions{
			PollInterval: s.PollInterval,
			LogLevel:     s.WorkerLogLevel,
			Logger:       logging.GetLogger("worker"),
		},
		Logger: logging.GetLogger("pool"),
	})
	if err != nil {
		return 0, err
	}

	unitArgs := make([]any, len(args))
	for i, a := range args {
		unitArgs[i] = a
	}

	workers, err := pool.Broadcast(&jobs.Shell{Command: command}, unitArgs...)
	if err != nil {
		pool.ForceShutdown()
		return 0, fmt.Errorf("failed to broadcast: %w", err)
	}
	logger.Info("Command sent to every worker", "command", command, "workers", len(workers))

	pool.Shutdown(s.ShutdownTimeout)

	failed := 0
	for _, info := range pool.Snapshot() {
		if !info.Faulted() {
			continue
		}
		failed++
		if info.State == process.StateFailed {
			logger.Warn("Worker failed", "pid", info.PID, "backtrace", info.Backtrace)
		} else {
			logger.Warn("Worker exited abnormally", "pid", info.PID, "exit_code", info.ExitCode)
		}
	}
	return failed, nil
}
