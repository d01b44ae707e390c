// Package jobs holds the units the xpool command schedules. Importing it
// registers them, which must happen in the parent and in worker processes.
package jobs

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/smazurov/xpool/internal/unit"
)

func init() {
	unit.Register("shell", &Shell{})
	unit.Register("sleep", &Sleep{})
	unit.Register("write-file", &WriteFile{})
}

// Shell runs Command without a shell. Quotes and backslash escapes group
// arguments; call arguments are appended after the parsed ones. Output goes
// to the worker's stdout and stderr.
type Shell struct {
	Command string
	Dir     string
	Env     []string
}

// Call implements unit.Unit.
func (s *Shell) Call(args ...any) error {
	argv, err := ParseCommand(s.Command)
	if err != nil {
		return err
	}
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	for _, a := range args {
		argv = append(argv, fmt.Sprint(a))
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with code %d", argv[0], exitErr.ExitCode())
		}
		return fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return nil
}

// Sleep sleeps for Duration.
type Sleep struct {
	Duration time.Duration
}

// Call implements unit.Unit.
func (s *Sleep) Call(_ ...any) error {
	time.Sleep(s.Duration)
	return nil
}

// WriteFile writes Content to Path, or appends it when Append is set. Call
// arguments are appended to the content separated by spaces.
type WriteFile struct {
	Path    string
	Content string
	Append  bool
}

// Setup creates the parent directory. It runs once per worker process, for
// the first unit that process executes.
func (w *WriteFile) Setup() error {
	return os.MkdirAll(filepath.Dir(w.Path), 0o755)
}

// Call implements unit.Unit.
func (w *WriteFile) Call(args ...any) error {
	content := w.Content
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		content = strings.TrimSpace(content + " " + strings.Join(parts, " "))
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if w.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(w.Path, flags, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ParseCommand splits command into arguments. Single or double quotes group
// words and a backslash escapes the next character.
func ParseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoteChar := rune(0)
	// Distinguishes "" from no argument at all.
	pending := false

	runes := []rune(strings.TrimSpace(command))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case (r == '"' || r == '\'') && !inQuote:
			inQuote, quoteChar, pending = true, r, true
		case inQuote && r == quoteChar:
			inQuote, quoteChar = false, 0
		case (r == ' ' || r == '\t') && !inQuote:
			if pending {
				args = append(args, current.String())
				current.Reset()
				pending = false
			}
		case r == '\\' && i+1 < len(runes):
			i++
			current.WriteRune(runes[i])
			pending = true
		default:
			current.WriteRune(r)
			pending = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command: %s", command)
	}
	if pending {
		args = append(args, current.String())
	}
	return args, nil
}
