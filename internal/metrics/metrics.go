// Package metrics registers the tracker's prometheus instrumentation:
// CAS contention, claim outcomes, flush/compaction counts, obsoletion-log
// commit latency and disk-policy fault counts.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every metric the tracker and its collaborators emit.
type Registry struct {
	CASAttemptsTotal         prometheus.Counter
	CASRetriesTotal          prometheus.Counter
	ClaimsTotal              *prometheus.CounterVec // result: granted|rejected
	FlushTotal               prometheus.Counter
	CompactionTotal          prometheus.Counter
	DropTotal                prometheus.Counter
	SSTablesAddedTotal       prometheus.Counter
	SSTablesLiveGauge        prometheus.Gauge
	BytesLiveGauge           prometheus.Gauge
	ObsoletionCommitDuration prometheus.Histogram
	DiskFaultsTotal          *prometheus.CounterVec // outcome: ignore|best_effort|stop|die
	NotificationFaultsTotal  prometheus.Counter

	registry *prometheus.Registry
	mu       sync.RWMutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// Default returns the process-wide metrics registry, created once.
func Default() *Registry {
	once.Do(func() {
		defaultRegistry = New()
	})
	return defaultRegistry
}

// New creates an isolated registry, useful for tests that want their own
// prometheus.Registry rather than sharing the process-wide one.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{registry: reg}

	r.CASAttemptsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_cas_attempts_total",
		Help: "Total number of apply() CAS attempts against the View pointer.",
	})
	r.CASRetriesTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_cas_retries_total",
		Help: "Total number of apply() CAS retries due to a concurrent swap.",
	})
	r.ClaimsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "tracktable_claims_total",
		Help: "Total tryModify claim attempts by result.",
	}, []string{"result"})
	r.FlushTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_flushes_total",
		Help: "Total number of replaceFlushed calls.",
	})
	r.CompactionTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_compactions_total",
		Help: "Total number of committed compaction transactions.",
	})
	r.DropTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_drops_total",
		Help: "Total number of dropSSTables calls that removed at least one sstable.",
	})
	r.SSTablesAddedTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_sstables_added_total",
		Help: "Total number of sstables added to the live set across all operations.",
	})
	r.SSTablesLiveGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "tracktable_sstables_live",
		Help: "Current number of live sstables in the published View.",
	})
	r.BytesLiveGauge = promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "tracktable_bytes_live",
		Help: "Current total on-disk bytes of live sstables in the published View.",
	})
	r.ObsoletionCommitDuration = promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
		Name:    "tracktable_obsoletion_commit_seconds",
		Help:    "Latency of obsoletion-log commit (fsync included).",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})
	r.DiskFaultsTotal = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "tracktable_disk_faults_total",
		Help: "Total disk faults observed, by policy outcome.",
	}, []string{"outcome"})
	r.NotificationFaultsTotal = promauto.With(reg).NewCounter(prometheus.CounterOpts{
		Name: "tracktable_notification_faults_total",
		Help: "Total subscriber faults accumulated during notification delivery.",
	})

	return r
}

// Registerer exposes the underlying prometheus.Registry so an HTTP
// /metrics endpoint can be wired by a caller; kept unexported in field
// form to avoid collisions with the typed fields above.
func (r *Registry) Registerer() *prometheus.Registry {
	return r.registry
}
