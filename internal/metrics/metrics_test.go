package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/smazurov/xpool/internal/events"
	"github.com/smazurov/xpool/internal/process"
)

type fakeSource []process.Info

func (f fakeSource) Snapshot() []process.Info { return f }

func TestPoolCollector(t *testing.T) {
	source := fakeSource{
		{PID: 100, State: process.StateBusy, DispatchCount: 3},
		{PID: 101, State: process.StateIdle, DispatchCount: 2},
		{PID: 102, State: process.StateFailed, DispatchCount: 5, Backtrace: "boom"},
	}

	expected := `
# HELP xpool_pool_size Number of workers in the pool
# TYPE xpool_pool_size gauge
xpool_pool_size 3
# HELP xpool_pool_workers Number of workers per last known state
# TYPE xpool_pool_workers gauge
xpool_pool_workers{state="busy"} 1
xpool_pool_workers{state="dead"} 0
xpool_pool_workers{state="failed"} 1
xpool_pool_workers{state="idle"} 1
# HELP xpool_worker_dispatch_count Units enqueued on a worker since its last restart
# TYPE xpool_worker_dispatch_count gauge
xpool_worker_dispatch_count{pid="100"} 3
xpool_worker_dispatch_count{pid="101"} 2
xpool_worker_dispatch_count{pid="102"} 5
`
	if err := testutil.CollectAndCompare(NewPoolCollector(source), strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
}

func TestPoolCollectorEmptyPool(t *testing.T) {
	c := NewPoolCollector(fakeSource{})

	// size plus one series per state
	if got := testutil.CollectAndCount(c); got != 5 {
		t.Errorf("expected 5 series, got %d", got)
	}
}

func TestRecorderCountsEvents(t *testing.T) {
	bus := events.New()
	r := NewRecorder()
	unsub := r.Subscribe(bus)
	defer unsub()

	bus.Publish(events.WorkerStateChangedEvent{PID: 1, OldState: "busy", NewState: "failed"})
	bus.Publish(events.WorkerStateChangedEvent{PID: 2, OldState: "busy", NewState: "failed"})
	bus.Publish(events.PoolResizedEvent{OldSize: 2, NewSize: 3})
	bus.Publish(events.UnitDispatchedEvent{PID: 1, Unit: "shell", Broadcast: true})
	bus.Publish(events.ConfigReloadedEvent{Path: "xpool.toml"})

	// Delivery is asynchronous.
	waitFor(t, func() bool {
		return testutil.ToFloat64(r.transitions.WithLabelValues("busy", "failed")) == 2 &&
			testutil.ToFloat64(r.resizes) == 1 &&
			testutil.ToFloat64(r.dispatched.WithLabelValues("shell", "true")) == 1 &&
			testutil.ToFloat64(r.reloads) == 1
	})
}

func TestRecorderUnsubscribe(t *testing.T) {
	bus := events.New()
	r := NewRecorder()
	unsub := r.Subscribe(bus)
	unsub()

	bus.Publish(events.PoolResizedEvent{OldSize: 1, NewSize: 2})
	time.Sleep(20 * time.Millisecond)

	if got := testutil.ToFloat64(r.resizes); got != 0 {
		t.Errorf("expected no resizes after unsubscribe, got %v", got)
	}
}

func TestExporterHandler(t *testing.T) {
	exporter := NewExporter(fakeSource{{PID: 7, State: process.StateIdle}})
	exporter.Recorder().resizes.Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	exporter.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	body := w.Body.String()
	for _, want := range []string{
		"xpool_pool_size 1",
		`xpool_worker_dispatch_count{pid="7"} 0`,
		"xpool_pool_resizes_total 1",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in response", want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timeout waiting for counters")
}
