package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/xpool/internal/events"
)

// Recorder counts pool events published on the bus.
type Recorder struct {
	transitions *prometheus.CounterVec
	resizes     prometheus.Counter
	dispatched  *prometheus.CounterVec
	reloads     prometheus.Counter
}

// NewRecorder creates unregistered event counters.
func NewRecorder() *Recorder {
	return &Recorder{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state_transitions_total",
			Help:      "Observed worker state transitions",
		}, []string{"from", "to"}),
		resizes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "resizes_total",
			Help:      "Pool size changes",
		}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "units_dispatched_total",
			Help:      "Units handed to workers",
		}, []string{"unit", "broadcast"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Applied config file reloads",
		}),
	}
}

// Subscribe attaches the counters to bus and returns a function that
// detaches them.
func (r *Recorder) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.WorkerStateChangedEvent) {
			r.transitions.WithLabelValues(e.OldState, e.NewState).Inc()
		}),
		bus.Subscribe(func(events.PoolResizedEvent) {
			r.resizes.Inc()
		}),
		bus.Subscribe(func(e events.UnitDispatchedEvent) {
			r.dispatched.WithLabelValues(e.Unit, strconv.FormatBool(e.Broadcast)).Inc()
		}),
		bus.Subscribe(func(events.ConfigReloadedEvent) {
			r.reloads.Inc()
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Describe implements prometheus.Collector.
func (r *Recorder) Describe(ch chan<- *prometheus.Desc) {
	r.transitions.Describe(ch)
	r.resizes.Describe(ch)
	r.dispatched.Describe(ch)
	r.reloads.Describe(ch)
}

// Collect implements prometheus.Collector.
func (r *Recorder) Collect(ch chan<- prometheus.Metric) {
	r.transitions.Collect(ch)
	r.resizes.Collect(ch)
	r.dispatched.Collect(ch)
	r.reloads.Collect(ch)
}
