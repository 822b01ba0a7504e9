package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// prometheusSink owns its registry so several nodes can run in one process.
type prometheusSink struct {
	registry      *prometheus.Registry
	ringSize      prometheus.Gauge
	replicaStores prometheus.Gauge
	windowOps     prometheus.Gauge
	requests      *prometheus.CounterVec
	handoffs      *prometheus.CounterVec
	deadNodes     *prometheus.CounterVec
}

// NewPrometheusSink creates a metrics sink for Prometheus labelled with id,
// typically the ip:port of the process.
func NewPrometheusSink(id string) Sink {
	labels := prometheus.Labels{"node": id}

	p := &prometheusSink{
		registry: prometheus.NewRegistry(),
		// ringSize is the number of nodes on the ring as last seen.
		ringSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ringkv",
			Subsystem:   "ring",
			Name:        "size",
			Help:        "Nodes on the ring",
			ConstLabels: labels,
		}),
		replicaStores: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ringkv",
			Subsystem:   "node",
			Name:        "replica_stores",
			Help:        "Predecessor mirrors held by the node",
			ConstLabels: labels,
		}),
		windowOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "ringkv",
			Subsystem:   "node",
			Name:        "window_operations",
			Help:        "Operations counted in the current usage window",
			ConstLabels: labels,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ringkv",
			Subsystem:   "node",
			Name:        "requests_total",
			Help:        "Requests handled, by command and result",
			ConstLabels: labels,
		}, []string{"command", "result"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ringkv",
			Subsystem:   "ring",
			Name:        "handoffs_total",
			Help:        "Data handoffs, by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		deadNodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "ringkv",
			Subsystem:   "ring",
			Name:        "dead_nodes_total",
			Help:        "Nodes declared dead by the liveness prober",
			ConstLabels: labels,
		}, []string{"peer"}),
	}

	p.registry.MustRegister(p.ringSize, p.replicaStores, p.windowOps, p.requests, p.handoffs, p.deadNodes)
	return p
}

func (p *prometheusSink) SetRingSize(size int) {
	p.ringSize.Set(float64(size))
}

func (p *prometheusSink) SetReplicaStores(n int) {
	p.replicaStores.Set(float64(n))
}

func (p *prometheusSink) SetWindowOperations(n int64) {
	p.windowOps.Set(float64(n))
}

func (p *prometheusSink) LogRequest(command, result string) {
	p.requests.With(prometheus.Labels{
		"command": command,
		"result":  result,
	}).Inc()
}

func (p *prometheusSink) LogHandoff(kind, outcome string) {
	p.handoffs.With(prometheus.Labels{
		"kind":    kind,
		"outcome": outcome,
	}).Inc()
}

func (p *prometheusSink) LogDeadNode(addr string) {
	p.deadNodes.With(prometheus.Labels{"peer": addr}).Inc()
}

func (p *prometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
