package metrics

import "net/http"

// NewBlackHoleSink creates a metrics sink that discards all metrics
func NewBlackHoleSink() Sink {
	return &blackHoleSink{}
}

type blackHoleSink struct {
}

func (b *blackHoleSink) SetRingSize(size int) {
	// do nothing
}

func (b *blackHoleSink) SetReplicaStores(n int) {
	// do nothing
}

func (b *blackHoleSink) SetWindowOperations(n int64) {
	// do nothing
}

func (b *blackHoleSink) LogRequest(command, result string) {
	// do nothing
}

func (b *blackHoleSink) LogHandoff(kind, outcome string) {
	// do nothing
}

func (b *blackHoleSink) LogDeadNode(addr string) {
	// do nothing
}

func (b *blackHoleSink) Handler() http.Handler {
	return http.NotFoundHandler()
}
