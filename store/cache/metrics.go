package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus instruments a cache Store updates.
type Metrics struct {
	Hits             prometheus.Counter
	Misses           prometheus.Counter
	Evictions        prometheus.Counter
	PopulateFailures prometheus.Counter
	Bytes            prometheus.Gauge
	Entries          prometheus.Gauge
}

// NewMetrics creates a set of cache metrics
// labeled with the given cache name
// and registers them with reg, if it is not nil.
func NewMetrics(reg prometheus.Registerer, name string) (*Metrics, error) {
	labels := prometheus.Labels{"cache": name}

	m := &Metrics{
		Hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Reads served from the local cache.",
			ConstLabels: labels,
		}),
		Misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Reads that went to the remote store.",
			ConstLabels: labels,
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Entries removed from the local cache for size, count, or age.",
			ConstLabels: labels,
		}),
		PopulateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "populate_failures_total",
			Help:        "Failed attempts to add an entry to the local cache.",
			ConstLabels: labels,
		}),
		Bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "bytes",
			Help:        "Total size of cached entries.",
			ConstLabels: labels,
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "bcs",
			Subsystem:   "cache",
			Name:        "entries",
			Help:        "Number of cached entries.",
			ConstLabels: labels,
		}),
	}

	if reg != nil {
		if err := m.Register(reg); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register registers m's instruments with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.Hits, m.Misses, m.Evictions, m.PopulateFailures, m.Bytes, m.Entries} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
