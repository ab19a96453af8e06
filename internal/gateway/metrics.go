// ABOUTME: Prometheus metrics for the gateway's routing hot paths.
// ABOUTME: Each gateway owns its registry so tests can build many instances.

package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	registry *prometheus.Registry

	connectedWorkers  prometheus.Gauge
	rpcTotal          *prometheus.CounterVec
	rpcDuration       prometheus.Histogram
	eventsDispatched  prometheus.Counter
	eventFanout       prometheus.Counter
	heartbeatFailures prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		connectedWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "meshgate_connected_workers",
			Help: "Number of live worker connections.",
		}),
		rpcTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meshgate_rpc_requests_total",
			Help: "RPC invocations by outcome.",
		}, []string{"outcome"}),
		rpcDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshgate_rpc_duration_seconds",
			Help:    "RPC round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		eventsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgate_events_dispatched_total",
			Help: "CloudEvents accepted for fan-out.",
		}),
		eventFanout: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgate_event_deliveries_total",
			Help: "Per-connection event deliveries attempted.",
		}),
		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "meshgate_heartbeat_failures_total",
			Help: "Directory heartbeats that failed.",
		}),
	}
}

func (m *metrics) setConnectedWorkers(n int) {
	m.connectedWorkers.Set(float64(n))
}

func (m *metrics) observeRPC(outcome string, d time.Duration) {
	m.rpcTotal.WithLabelValues(outcome).Inc()
	m.rpcDuration.Observe(d.Seconds())
}

func (m *metrics) observeDispatch(targets int) {
	m.eventsDispatched.Inc()
	m.eventFanout.Add(float64(targets))
}
