package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/badgeteam/badgevfs/pkg/vfs"
)

// vfsMetrics is the Prometheus implementation of the vfs.Metrics
// interface: dirent cache effectiveness and vnode lifecycle.
type vfsMetrics struct {
	lookupHits   prometheus.Counter
	lookupMisses prometheus.Counter
	negativeHits prometheus.Counter
	vnodesOpened prometheus.Counter
	vnodesClosed prometheus.Counter
	vnodesLive   prometheus.Gauge
}

// NewVfsMetrics creates a Prometheus-backed vfs.Metrics sink.
//
// Returns nil if metrics are not enabled (InitRegistry not called); a nil
// sink disables collection in the VFS.
func NewVfsMetrics() vfs.Metrics {
	if !IsEnabled() {
		return nil
	}

	reg := GetRegistry()

	return &vfsMetrics{
		lookupHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "badgevfs_dentcache_hits_total",
				Help: "Total number of dirent cache lookups answered from the cache",
			},
		),
		lookupMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "badgevfs_dentcache_misses_total",
				Help: "Total number of dirent cache lookups that consulted the driver",
			},
		),
		negativeHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "badgevfs_dentcache_negative_hits_total",
				Help: "Total number of lookups answered by a cached negative entry",
			},
		),
		vnodesOpened: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "badgevfs_vnodes_opened_total",
				Help: "Total number of vnodes brought alive",
			},
		),
		vnodesClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "badgevfs_vnodes_closed_total",
				Help: "Total number of vnodes destroyed",
			},
		),
		vnodesLive: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "badgevfs_vnodes_live",
				Help: "Number of currently live vnodes",
			},
		),
	}
}

func (m *vfsMetrics) LookupHit() {
	m.lookupHits.Inc()
}

func (m *vfsMetrics) LookupMiss() {
	m.lookupMisses.Inc()
}

func (m *vfsMetrics) NegativeHit() {
	m.negativeHits.Inc()
}

func (m *vfsMetrics) VNodeOpened() {
	m.vnodesOpened.Inc()
	m.vnodesLive.Inc()
}

func (m *vfsMetrics) VNodeClosed() {
	m.vnodesClosed.Inc()
	m.vnodesLive.Dec()
}
