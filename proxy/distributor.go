package proxy

import (
	"github.com/arloliu/go-tio/logger"
	"github.com/arloliu/go-tio/tio"
)

// Distributor fans device packets out to the subscribed clients.
type Distributor struct {
	registry *Registry
	metrics  *Metrics
	logger   logger.Logger
}

// NewDistributor creates a distributor delivering to the clients of registry.
func NewDistributor(registry *Registry, metrics *Metrics, l logger.Logger) *Distributor {
	if metrics == nil {
		metrics = &Metrics{}
	}

	return &Distributor{registry: registry, metrics: metrics, logger: l}
}

// Broadcast hands a private copy of pkt to every client subscribed at the time of the call and
// returns the number of clients it was handed to. A slow client only affects its own queue.
func (d *Distributor) Broadcast(pkt tio.Packet) int {
	d.metrics.incBroadcastCount()

	sinks := d.registry.Match(pkt)
	if len(sinks) == 0 {
		d.metrics.incUndeliveredCount()
		return 0
	}

	for _, sink := range sinks {
		sink.DeliverData(pkt.Clone())
	}

	return len(sinks)
}
