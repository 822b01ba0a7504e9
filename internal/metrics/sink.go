package metrics

import "net/http"

// Sink receives the metrics of a coordinator or node. Implement this
// interface to write to other kinds of systems.
type Sink interface {
	SetRingSize(size int)
	SetReplicaStores(n int)
	SetWindowOperations(n int64)
	LogRequest(command, result string)
	LogHandoff(kind, outcome string)
	LogDeadNode(addr string)

	// Handler serves the collected metrics over HTTP.
	Handler() http.Handler
}

// The list of supported sinks
const (
	PrometheusSink = "prometheus"
	NoSink         = "none"
)

// NewSinkFromString returns a named sink
func NewSinkFromString(name string, id string) Sink {
	switch name {
	case PrometheusSink:
		return NewPrometheusSink(id)
	default:
		return NewBlackHoleSink()
	}
}
