// Package metrics wraps the Prometheus collectors this node exposes
// over a dedicated HTTP listener: gauges for live engine/peer/blocked
// counts, counters for GC sweeps and deadlock recoveries. This is plain
// instrumentation, not the excluded "statistics counters" CLI subsystem
// — it carries no introspection opcode of its own.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps the Prometheus collectors this node reports.
type Registry struct {
	Tuplespaces    prometheus.Gauge
	BlockedWaiters prometheus.Gauge
	Peers          prometheus.Gauge

	GCSweeps           prometheus.Counter
	DeadlockRecoveries prometheus.Counter
	ForwardedRequests  prometheus.Counter
	ProtocolErrors     prometheus.Counter
}

// NewRegistry creates the collectors and registers them with the
// default Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		Tuplespaces: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lindamesh_tuplespaces",
			Help: "Number of tuplespaces hosted on this node.",
		}),
		BlockedWaiters: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lindamesh_blocked_waiters",
			Help: "Number of rd/in waiters currently blocked on this node.",
		}),
		Peers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lindamesh_peers",
			Help: "Number of directly connected peer nodes.",
		}),
		GCSweeps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lindamesh_gc_sweeps_total",
			Help: "Total number of tuplespace GC sweeps performed.",
		}),
		DeadlockRecoveries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lindamesh_deadlock_recoveries_total",
			Help: "Total number of deadlock recoveries (waiters unblocked).",
		}),
		ForwardedRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lindamesh_forwarded_requests_total",
			Help: "Total number of requests forwarded to a remote owning node.",
		}),
		ProtocolErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lindamesh_protocol_errors_total",
			Help: "Total number of malformed frames or unknown opcodes observed.",
		}),
	}
}

// Handler returns an HTTP handler exposing the Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
