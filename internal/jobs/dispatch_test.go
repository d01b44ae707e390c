package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/process"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line      string
		command   string
		broadcast bool
		ok        bool
	}{
		{"gzip -9 a.log", "gzip -9 a.log", false, true},
		{"  echo hi  ", "echo hi", false, true},
		{"@all sync", "sync", true, true},
		{"@all    sync", "sync", true, true},
		{"@all", "@all", false, true},
		{"@all ", "", false, false},
		{"", "", false, false},
		{"   ", "", false, false},
		{"# comment", "", false, false},
		{"  # indented comment", "", false, false},
	}

	for _, tt := range tests {
		command, broadcast, ok := ParseLine(tt.line)
		assert.Equal(t, tt.command, command, "line %q", tt.line)
		assert.Equal(t, tt.broadcast, broadcast, "line %q", tt.line)
		assert.Equal(t, tt.ok, ok, "line %q", tt.line)
	}
}

func newDispatchPool(t *testing.T, size int) *process.Pool {
	t.Helper()
	pool, err := process.NewPool(&process.PoolOptions{
		Size:   size,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Worker: process.WorkerOptions{PollInterval: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	t.Cleanup(pool.ForceShutdown)
	return pool
}

func TestDispatcherRun(t *testing.T) {
	pool := newDispatchPool(t, 2)
	dir := t.TempDir()

	bus := events.New()
	dispatched := make(chan events.UnitDispatchedEvent, 10)
	unsub := bus.Subscribe(func(e events.UnitDispatchedEvent) { dispatched <- e })
	defer unsub()

	input := strings.Join([]string{
		"# touch files",
		"touch " + filepath.Join(dir, "one"),
		"",
		"touch " + filepath.Join(dir, "two"),
		`echo "unclosed`,
	}, "\n")

	d := NewDispatcher(pool, bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
	count, err := d.Run(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	pool.Shutdown(10 * time.Second)

	for _, name := range []string{"one", "two"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, "expected %s to exist", name)
	}

	for range 3 {
		select {
		case e := <-dispatched:
			assert.Equal(t, "shell", e.Unit)
			assert.False(t, e.Broadcast)
			assert.NotZero(t, e.PID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for dispatch events")
		}
	}
}

func TestDispatcherBroadcastLine(t *testing.T) {
	pool := newDispatchPool(t, 3)
	d := NewDispatcher(pool, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ok, err := d.DispatchLine("@all true")
	require.NoError(t, err)
	assert.True(t, ok)

	for _, w := range pool.Workers() {
		assert.Equal(t, 1, w.DispatchCount())
	}
}

func TestDispatcherSubmitReturnsPIDs(t *testing.T) {
	pool := newDispatchPool(t, 2)
	d := NewDispatcher(pool, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	pids, err := d.Submit(&Sleep{}, true)
	require.NoError(t, err)

	want := []int{pool.Workers()[0].PID(), pool.Workers()[1].PID()}
	assert.Equal(t, want, pids)
}

func TestDispatcherEmptyPool(t *testing.T) {
	pool := newDispatchPool(t, 0)
	d := NewDispatcher(pool, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := d.DispatchLine("true")
	assert.True(t, errors.Is(err, process.ErrEmptyPool))

	count, err := d.Run(context.Background(), strings.NewReader("true\ntrue\n"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	pool := newDispatchPool(t, 1)
	d := NewDispatcher(pool, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count, err := d.Run(ctx, strings.NewReader("true\n"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, count)
}
