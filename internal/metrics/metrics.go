// Package metrics exposes replica health as Prometheus counters/gauges and
// a matching expvar surface, grounded on the teacher's hub.go
// (expvar.Publish("LiveTopics", ...)) and cluster.go
// (statsInc("LiveClusterNodes", ...), statsRegisterInt("ClusterLeader")).
// Recording a metric never returns an error: it must never be able to
// fail an operation.
package metrics

import (
	"expvar"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registryInstances names each Registry's expvar publication uniquely:
// expvar.Publish panics on a repeated name, which a second replica (or a
// second test) constructing its own Registry in the same process would
// otherwise trip.
var registryInstances int64

// Registry bundles the counters/gauges a Replica reports. Each Registry
// owns its own prometheus.Registry rather than registering into the
// global default one, so more than one replica (or test) can exist in the
// same process without a duplicate-registration panic.
type Registry struct {
	reg *prometheus.Registry

	ClientConnections prometheus.Gauge
	ClientRequests    *prometheus.CounterVec
	PeerConnections   prometheus.Gauge
	IsLeader          prometheus.Gauge
	ReplicationSends  prometheus.Counter

	liveTopics *expvar.Int // kept for parity with the teacher's expvar habit
}

// NewRegistry builds and registers a fresh metric set.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		ClientConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_client_connections",
			Help: "Number of currently open client connections.",
		}),
		ClientRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatcluster_client_requests_total",
			Help: "Client requests processed, by command and outcome.",
		}, []string{"command", "outcome"}),
		PeerConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_peer_connections",
			Help: "Number of currently connected peer replicas.",
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatcluster_is_leader",
			Help: "1 if this replica is the current elected leader, else 0.",
		}),
		ReplicationSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatcluster_replication_sends_total",
			Help: "distribute_update frames broadcast to peers.",
		}),
	}
	instance := atomic.AddInt64(&registryInstances, 1)
	r.liveTopics = expvar.NewInt(fmt.Sprintf("LiveClusterNodes.%d", instance))
	r.reg.MustRegister(r.ClientConnections, r.ClientRequests, r.PeerConnections, r.IsLeader, r.ReplicationSends)
	return r
}

// ObserveRequest records one client request outcome ("ok" or "error").
func (r *Registry) ObserveRequest(command, outcome string) {
	r.ClientRequests.WithLabelValues(command, outcome).Inc()
}

// SetPeerCount updates the live-peer gauge and its expvar mirror.
func (r *Registry) SetPeerCount(n int) {
	r.PeerConnections.Set(float64(n))
	r.liveTopics.Set(int64(n))
}

// IncReplicationSends records one distribute_update frame broadcast to
// peers (internal/peer's Endpoint.Broadcast calls this once per command).
func (r *Registry) IncReplicationSends() {
	r.ReplicationSends.Inc()
}

// Handler returns the combined /metrics (Prometheus) + /debug/vars (expvar)
// HTTP mux used by cmd/replicad's --metrics_addr listener.
func (r *Registry) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	mux.Handle("/debug/vars", expvar.Handler())
	return mux
}
