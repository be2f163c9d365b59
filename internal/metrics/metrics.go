// Package metrics instruments the connector's path selection and
// handshake timing with Prometheus collectors, guarding registration
// against being run more than once.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	regOK atomic.Bool

	PathSelected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "daemonconnect",
		Name:      "connect_path_total",
		Help:      "Count of connect() calls by the path that satisfied them.",
	}, []string{"path"}) // idle | canceled | launch

	HandshakeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "daemonconnect",
		Name:      "handshake_duration_seconds",
		Help:      "Time spent in the post-launch handshake poll.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"}) // connected | timeout | child_died | interrupted

	RegistrySize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "daemonconnect",
		Name:      "registry_size",
		Help:      "Number of daemon records observed in the most recent registry snapshot.",
	})

	StaleEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "daemonconnect",
		Name:      "stale_evictions_total",
		Help:      "Number of daemon records evicted after a failed connect attempt.",
	})
)

// Register installs the connector's collectors into reg. It is safe to
// call more than once; only the first call has any effect.
func Register(reg prometheus.Registerer) error {
	if !regOK.CompareAndSwap(false, true) {
		return nil
	}
	for _, c := range []prometheus.Collector{PathSelected, HandshakeDuration, RegistrySize, StaleEvictions} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
