package quarry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. Each engine owns its
// own set so multiple engines can coexist in one process, nothing is
// registered on the default registry unless the caller asks for it.
type Metrics struct {
	DiskReads  prometheus.Counter
	DiskWrites prometheus.Counter

	PoolHits      prometheus.Counter
	PoolMisses    prometheus.Counter
	PoolEvictions prometheus.Counter
	PoolFlushes   prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		DiskReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "disk", Name: "page_reads_total",
			Help: "Physical page reads.",
		}),
		DiskWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "disk", Name: "page_writes_total",
			Help: "Physical page writes.",
		}),
		PoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "buffer_pool", Name: "hits_total",
			Help: "Pin requests served from a cached frame.",
		}),
		PoolMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "buffer_pool", Name: "misses_total",
			Help: "Pin requests that loaded the page from disk.",
		}),
		PoolEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "buffer_pool", Name: "evictions_total",
			Help: "Frames reclaimed by the clock sweep.",
		}),
		PoolFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "quarry", Subsystem: "buffer_pool", Name: "flushes_total",
			Help: "Dirty frames written back to disk.",
		}),
	}
}

// Register registers all collectors with the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.DiskReads, m.DiskWrites,
		m.PoolHits, m.PoolMisses, m.PoolEvictions, m.PoolFlushes,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
