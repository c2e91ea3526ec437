package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "objspace"

// Metrics holds collectors reporting activity of the object space.
type Metrics struct {
	// View metrics
	SlotsInUse       prometheus.Gauge
	SlotReservations prometheus.Counter
	SlotReleases     prometheus.Counter
	Invalidations    prometheus.Counter

	// Mutex metrics
	MutexBusts  prometheus.Counter
	MutexSleeps prometheus.Counter

	// FOT metrics
	FOTEntries prometheus.Counter

	// Transaction metrics
	TxCommits            prometheus.Counter
	TxAborts             prometheus.Counter
	TxLogFull            prometheus.Counter
	RecoveredAllocations prometheus.Counter

	// Persistence metrics
	Flushes prometheus.Counter
}

// New creates collectors and registers them in the registerer. If registerer is nil, collectors are not registered
// anywhere.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SlotsInUse: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "slots_in_use",
			Help:      "Number of view slots currently mapped",
		}),
		SlotReservations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "slot_reservations_total",
			Help:      "Total number of slot reservations",
		}),
		SlotReleases: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "slot_releases_total",
			Help:      "Total number of slot releases",
		}),
		Invalidations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "view",
			Name:      "invalidations_total",
			Help:      "Total number of stale mappings invalidated on slot reuse",
		}),
		MutexBusts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutex",
			Name:      "busts_total",
			Help:      "Total number of mutexes reset because they were locked in previous power cycle",
		}),
		MutexSleeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mutex",
			Name:      "sleeps_total",
			Help:      "Total number of times lock acquisition went to sleep",
		}),
		FOTEntries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fot",
			Name:      "entries_created_total",
			Help:      "Total number of foreign object table entries created",
		}),
		TxCommits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "commits_total",
			Help:      "Total number of committed transactions",
		}),
		TxAborts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "aborts_total",
			Help:      "Total number of aborted transactions",
		}),
		TxLogFull: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "log_full_total",
			Help:      "Total number of log reservations rejected because log was full",
		}),
		RecoveredAllocations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tx",
			Name:      "recovered_allocations_total",
			Help:      "Total number of allocations freed by abort or recovery",
		}),
		Flushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "persist",
			Name:      "flushes_total",
			Help:      "Total number of ranges of persistent objects flushed to storage",
		}),
	}
}

// NewNop returns collectors which are not registered anywhere.
func NewNop() *Metrics {
	return New(nil)
}
