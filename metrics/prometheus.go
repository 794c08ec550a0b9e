package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type promMetrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected prometheus.Counter
	connectionsClosed   prometheus.Counter
	activeConnections   prometheus.Gauge
	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	queueDepth          prometheus.Gauge
	cacheLookups        *prometheus.CounterVec

	// Last cumulative cache counters seen per cache, so RecordCache can add
	// only the difference to the counters.
	cacheMu   sync.Mutex
	cacheLast map[string][2]uint64
}

// NewPrometheus registers the server collectors on reg.
//
// Parameters:
//   - reg: Registry the collectors are added to; pass a fresh
//     prometheus.NewRegistry() per server to avoid duplicate registration
//
// Returns:
//   - A ServerMetrics backed by the registered collectors
func NewPrometheus(reg prometheus.Registerer) ServerMetrics {
	f := promauto.With(reg)

	return &promMetrics{
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "charserver_connections_accepted_total",
			Help: "Connections admitted by the server",
		}),
		connectionsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "charserver_connections_rejected_total",
			Help: "Connections closed at accept because the server was full",
		}),
		connectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "charserver_connections_closed_total",
			Help: "Sessions that reached the closed state",
		}),
		activeConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "charserver_active_connections",
			Help: "Currently admitted sessions",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charserver_requests_total",
			Help: "Dispatched requests by command and status",
		}, []string{"command", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "charserver_request_duration_seconds",
			Help:    "Time spent dispatching a request",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}, []string{"command"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "charserver_dispatch_queue_depth",
			Help: "Dispatch tasks waiting for a worker",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "charserver_cache_lookups_total",
			Help: "Store cache lookups by cache and result",
		}, []string{"cache", "result"}),
		cacheLast: make(map[string][2]uint64),
	}
}

func (m *promMetrics) ConnectionAccepted() { m.connectionsAccepted.Inc() }
func (m *promMetrics) ConnectionRejected() { m.connectionsRejected.Inc() }
func (m *promMetrics) ConnectionClosed()   { m.connectionsClosed.Inc() }

func (m *promMetrics) SetActiveConnections(n int64) {
	m.activeConnections.Set(float64(n))
}

func (m *promMetrics) RecordRequest(command, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(command, status).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *promMetrics) SetQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

func (m *promMetrics) RecordCache(cache string, hits, misses uint64) {
	m.cacheMu.Lock()
	last := m.cacheLast[cache]
	m.cacheLast[cache] = [2]uint64{hits, misses}
	m.cacheMu.Unlock()

	if hits > last[0] {
		m.cacheLookups.WithLabelValues(cache, "hit").Add(float64(hits - last[0]))
	}
	if misses > last[1] {
		m.cacheLookups.WithLabelValues(cache, "miss").Add(float64(misses - last[1]))
	}
}
