package main

import (
	"log/slog"
	"os"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/smazurov/xpool/cmd"
	"github.com/smazurov/xpool/internal/config"
	"github.com/smazurov/xpool/internal/logging"
	"github.com/smazurov/xpool/internal/process"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"xpool.toml"`

	// Job input
	Jobs      string `help:"Job file with one command per line (- for stdin)" short:"j" default:"-" toml:"jobs.file" env:"JOBS"`
	KeepAlive bool   `help:"Keep running after the job input ends" default:"false" toml:"jobs.keep_alive" env:"KEEP_ALIVE"`

	// Pool settings
	Size              int    `help:"Number of workers (0 = one per CPU)" short:"n" default:"0" toml:"pool.size" env:"SIZE"`
	ShutdownTimeout   string `help:"How long workers may drain on shutdown before they are killed (0 waits forever)" default:"30s" toml:"pool.shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	PollInterval      string `help:"How often an idle worker checks its queue" default:"50ms" toml:"pool.poll_interval" env:"POLL_INTERVAL"`
	RestartFailed     bool   `help:"Restart workers whose unit failed" default:"false" toml:"pool.restart_failed" env:"RESTART_FAILED"`
	SuperviseInterval string `help:"How often worker states are refreshed" default:"1s" toml:"pool.supervise_interval" env:"SUPERVISE_INTERVAL"`
	WatchConfig       bool   `help:"Reload pool size and log levels when the config file changes" default:"false" toml:"pool.watch_config" env:"WATCH_CONFIG"`

	// Server settings
	Listen string `help:"Address for the HTTP API and /metrics (empty disables it)" short:"l" default:"" toml:"server.listen" env:"LISTEN"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Logging settings
	LoggingLevel  string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingPool   string `help:"Pool logging level" default:"info" toml:"logging.pool" env:"LOGGING_POOL"`
	LoggingWorker string `help:"Worker logging level, also used inside worker processes" default:"info" toml:"logging.worker" env:"LOGGING_WORKER"`
	LoggingJobs   string `help:"Job dispatch logging level" default:"info" toml:"logging.jobs" env:"LOGGING_JOBS"`
	LoggingAPI    string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingConfig string `help:"Config watcher logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"pool":   o.LoggingPool,
			"worker": o.LoggingWorker,
			"jobs":   o.LoggingJobs,
			"api":    o.LoggingAPI,
			"http":   o.LoggingAPI,
			"config": o.LoggingConfig,
		},
	}
}

func main() {
	// Worker processes are re-executions of this binary.
	if process.IsChild() {
		os.Exit(process.ChildMain())
	}

	var parsed *Options
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		parsed = opts
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.loggingConfig())

		d := newDaemon(opts)

		hooks.OnStart(func() {
			if code := d.run(); code != 0 {
				os.Exit(code)
			}
		})

		hooks.OnStop(d.stop)
	})

	cli.Root().Use = "xpool"
	cli.Root().Short = "Run shell jobs on a pool of worker processes"
	cli.Root().AddCommand(cmd.CreateBroadcastCmd(func() (cmd.PoolSettings, error) {
		return poolSettings(parsed)
	}))
	cli.Root().AddCommand(cmd.CreateVersionCmd())

	cli.Run()
}
