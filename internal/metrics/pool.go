package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/smazurov/xpool/internal/process"
)

var allStates = []process.State{
	process.StateIdle,
	process.StateBusy,
	process.StateFailed,
	process.StateDead,
}

// PoolCollector reads a fresh snapshot on every scrape. A scrape therefore
// synchronizes every worker, which also fires state change callbacks.
type PoolCollector struct {
	source Source

	size          *prometheus.Desc
	workers       *prometheus.Desc
	dispatchCount *prometheus.Desc
}

// NewPoolCollector creates a collector over source.
func NewPoolCollector(source Source) *PoolCollector {
	return &PoolCollector{
		source: source,
		size: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "size"),
			"Number of workers in the pool",
			nil, nil,
		),
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "workers"),
			"Number of workers per last known state",
			[]string{"state"}, nil,
		),
		dispatchCount: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "worker", "dispatch_count"),
			"Units enqueued on a worker since its last restart",
			[]string{"pid"}, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.size
	ch <- c.workers
	ch <- c.dispatchCount
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	infos := c.source.Snapshot()

	counts := make(map[process.State]int, len(allStates))
	for _, info := range infos {
		counts[info.State]++
		ch <- prometheus.MustNewConstMetric(c.dispatchCount, prometheus.GaugeValue,
			float64(info.DispatchCount), strconv.Itoa(info.PID))
	}

	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(len(infos)))
	for _, state := range allStates {
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue,
			float64(counts[state]), string(state))
	}
}
