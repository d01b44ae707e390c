// Package logging provides structured logging with per-module log levels.
//
// Output goes to stdout when a terminal, pipe, or file is attached and to the
// systemd journal when journald is running. With both available, records are
// fanned out through a MultiHandler.
//
// Initialize once at startup, then ask for module loggers:
//
//	logging.Initialize(logging.Config{
//		Level:  "info",
//		Format: "text",
//		Modules: map[string]string{
//			"pool":   "debug",
//			"config": "warn",
//		},
//	})
//
//	logger := logging.GetLogger("pool")
//	logger.Info("Pool started", "size", 4)
//
// Module loggers keep a LevelVar, so Initialize and SetModuleLevel change the
// level of loggers that were already handed out.
//
// Worker processes log through NewChildLogger, which writes JSON lines to
// stderr. The parent parses those lines and re-emits them through its own
// module logger with the worker pid attached, so journal queries work for
// both sides:
//
//	journalctl -t xpool
//	journalctl -t xpool MODULE=pool
//	journalctl -t xpool WORKER_PID=4242
//
// Example TOML configuration:
//
//	[logging]
//	level = "info"
//	format = "text"
//
//	[logging.modules]
//	pool = "debug"
package logging
