package process

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
)

// LogParser parses a line of child output into a log level, message and
// structured attributes.
type LogParser func(line string) (level, msg string, attrs []any)

// streamOutput re-logs each line a child writes to stderr through logger.
func streamOutput(reader io.ReadCloser, logger *slog.Logger, parser LogParser) {
	defer reader.Close()
	scanner := bufio.NewScanner(reader)

	for scanner.Scan() {
		line := scanner.Text()

		level, msg, attrs := "info", line, []any(nil)
		if parser != nil {
			level, msg, attrs = parser(line)
		}

		switch level {
		case "fatal", "error":
			logger.Error(msg, attrs...)
		case "warn", "warning":
			logger.Warn(msg, attrs...)
		case "debug", "trace":
			logger.Debug(msg, attrs...)
		default:
			logger.Info(msg, attrs...)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Warn("Error reading worker output", "error", err)
	}
}

// parseWorkerLogLine decodes a JSON log line written by a child's logger.
// Anything else (runtime crash output, a unit writing to stderr) is logged
// verbatim at info level.
func parseWorkerLogLine(line string) (level, msg string, attrs []any) {
	if !strings.HasPrefix(line, "{") {
		return "info", line, nil
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		return "info", line, nil
	}

	level = "info"
	if l, ok := record[slog.LevelKey].(string); ok {
		level = strings.ToLower(l)
	}
	if m, ok := record[slog.MessageKey].(string); ok {
		msg = m
	}
	delete(record, slog.TimeKey)
	delete(record, slog.LevelKey)
	delete(record, slog.MessageKey)
	// The parent's logger already carries the pid.
	delete(record, "pid")

	for k, v := range record {
		attrs = append(attrs, k, v)
	}
	return level, msg, attrs
}
