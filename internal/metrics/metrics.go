// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the data service.
type Metrics struct {
	FramesTotal        *prometheus.CounterVec // labels: stream=market|portfolio
	TicksPublished     prometheus.Counter
	CandlesCompleted   prometheus.Counter
	UpstreamReconnects prometheus.Counter
	BroadcastDrops     prometheus.Counter
	HistoryAPICalls    prometheus.Counter
	CacheWriteErrors   prometheus.Counter

	ConnectedUpstreams  prometheus.Gauge
	DownstreamClients   prometheus.Gauge
	CircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	HistoryFetchDur prometheus.Histogram
}

// New registers and returns all collectors.
func New() *Metrics {
	m := &Metrics{
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "datasvc_frames_total",
			Help: "Raw frames received from upstream connectors",
		}, []string{"stream"}),
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_ticks_published_total",
			Help: "Ticks decoded and published to the fan-out hub",
		}),
		CandlesCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_candles_completed_total",
			Help: "Candles finalized and written to the cache series",
		}),
		UpstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_upstream_reconnects_total",
			Help: "Upstream WebSocket reconnection attempts",
		}),
		BroadcastDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_broadcast_drops_total",
			Help: "Events dropped because a client send buffer overflowed",
		}),
		HistoryAPICalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_history_api_calls_total",
			Help: "Intraday history API requests issued",
		}),
		CacheWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datasvc_cache_write_errors_total",
			Help: "Cache writes skipped due to errors or an open breaker",
		}),
		ConnectedUpstreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasvc_connected_upstreams",
			Help: "Currently connected upstream connectors (both stream sets)",
		}),
		DownstreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasvc_downstream_clients",
			Help: "Currently connected downstream WebSocket clients",
		}),
		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datasvc_cache_circuit_breaker_state",
			Help: "Cache circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		HistoryFetchDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "datasvc_history_fetch_duration_seconds",
			Help:    "Intraday history API fetch latency",
			Buckets: prometheus.DefBuckets,
		}),
	}

	prometheus.MustRegister(
		m.FramesTotal,
		m.TicksPublished,
		m.CandlesCompleted,
		m.UpstreamReconnects,
		m.BroadcastDrops,
		m.HistoryAPICalls,
		m.CacheWriteErrors,
		m.ConnectedUpstreams,
		m.DownstreamClients,
		m.CircuitBreakerState,
		m.HistoryFetchDur,
	)

	return m
}
