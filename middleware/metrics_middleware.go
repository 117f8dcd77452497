package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"mini-rpc/message"
)

// Metrics counts and times handled calls by service, method and outcome.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "minirpc",
			Subsystem: "server",
			Name:      "calls_total",
			Help:      "number of handled calls by service, method and outcome",
		}, []string{"service", "method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "minirpc",
			Subsystem: "server",
			Name:      "call_duration_seconds",
			Help:      "time spent handling a call",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}, []string{"service", "method"}),
	}
}

func (m *Metrics) RegisterMetrics(registerer prometheus.Registerer) {
	registerer.MustRegister(m.calls)
	registerer.MustRegister(m.duration)
}

func (m *Metrics) Middleware() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			outcome := "ok"
			if resp.Failed() {
				outcome = "error"
			}
			m.calls.WithLabelValues(req.ServiceName, req.MethodName, outcome).Inc()
			m.duration.WithLabelValues(req.ServiceName, req.MethodName).Observe(time.Since(start).Seconds())
			return resp
		}
	}
}
