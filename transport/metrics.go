package transport

import "github.com/prometheus/client_golang/prometheus"

type poolMetrics struct {
	connections    prometheus.Gauge
	dials          *prometheus.CounterVec
	chooseTimeouts prometheus.Counter
}

func newPoolMetrics() *poolMetrics {
	return &poolMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "minirpc",
			Subsystem: "client_pool",
			Name:      "connections",
			Help:      "number of pooled server node connections",
		}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minirpc",
			Subsystem: "client_pool",
			Name:      "dials_total",
			Help:      "number of dial attempts by result (connected, failed, skipped, discarded)",
		}, []string{"result"}),
		chooseTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "minirpc",
			Subsystem: "client_pool",
			Name:      "choose_timeouts_total",
			Help:      "number of calls that found no server node before the pool timeout",
		}),
	}
}

// RegisterMetrics registers the pool's collectors with registerer.
func (p *Pool) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(p.metrics.connections)
	registerer.MustRegister(p.metrics.dials)
	registerer.MustRegister(p.metrics.chooseTimeouts)
}
