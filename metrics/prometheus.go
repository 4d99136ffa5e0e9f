package metrics

import (
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// all metrics and middlewares for the REST API and the key custody domain
var (
	// to prevent metrics from being initialized multiple times
	isMetricsInitVar uint32 = 0

	// active REST API connections
	activeRESTConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_rest_connections",
			Help: "Number of active REST API connections",
		},
	)

	// response times for REST APIs
	responseTimeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_time_milliseconds",
			Help:    "REST API response time distributions",
			Buckets: []float64{1, 10, 50, 100, 200, 300, 400, 500},
		},
		[]string{"method", "endpoint"},
	)

	// size of the body for REST APIs
	requestSizeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_request_size_kilobytes",
			Help:    "REST API response size distributions",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"method", "endpoint"},
	)

	responseSizeRESTAPI = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "restapi_response_size_kilobytes",
			Help:    "REST API response size distributions",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
		},
		[]string{"method", "endpoint"},
	)

	// Number of requests processed by REST API
	RESTRequestMetricsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rest_requests_processed_total",
		Help: "The total number of processed REST requests",
	}, []string{"method", "endpoint"})

	// Number of auth share writes that advanced the share version
	AuthShareRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyshare_auth_share_rotations_total",
		Help: "The total number of auth share rotations",
	})

	// Number of previous auth shares evicted past the retention count
	AuthShareEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyshare_auth_share_evictions_total",
		Help: "The total number of evicted previous auth shares",
	})

	// Number of recovery methods pruned because their share version is gone
	RecoveryMethodsPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyshare_recovery_methods_pruned_total",
		Help: "The total number of orphaned recovery methods pruned",
	})

	// Number of legacy plaintext auth shares re-encrypted on read
	LegacySharesMigratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyshare_legacy_shares_migrated_total",
		Help: "The total number of legacy auth shares encrypted at rest on read",
	})

	// Number of write conflicts retried on the user key records
	UserKeyConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "keyshare_user_key_conflicts_total",
		Help: "The total number of retried user key write conflicts",
	})

	// QR login sessions by event (created, approved, consumed, expired)
	QrLoginSessionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "keyshare_qr_login_sessions_total",
		Help: "The total number of QR login session events",
	}, []string{"event"})

	// Latency of the orphaned recovery method sweep
	RecoverySweepLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "keyshare_recovery_sweep_latency_milliseconds",
		Help:    "Latency of the orphaned recovery method sweep",
		Buckets: prometheus.ExponentialBuckets(10, 4, 8),
	})
)

func setIsMetricsInit() {
	atomic.StoreUint32(&isMetricsInitVar, 1)
}

func isMetricsInit() bool {
	return atomic.LoadUint32(&isMetricsInitVar) == 1
}

func InitMetrics() {
	if !isMetricsInit() {
		setIsMetricsInit()

		// Metrics have to be registered to be exposed
		prometheus.MustRegister(activeRESTConnections)
		prometheus.MustRegister(responseTimeRESTAPI)
		prometheus.MustRegister(RESTRequestMetricsTotal)
		prometheus.MustRegister(requestSizeRESTAPI)
		prometheus.MustRegister(responseSizeRESTAPI)
		prometheus.MustRegister(AuthShareRotationsTotal)
		prometheus.MustRegister(AuthShareEvictionsTotal)
		prometheus.MustRegister(RecoveryMethodsPrunedTotal)
		prometheus.MustRegister(LegacySharesMigratedTotal)
		prometheus.MustRegister(UserKeyConflictsTotal)
		prometheus.MustRegister(QrLoginSessionsTotal)
		prometheus.MustRegister(RecoverySweepLatency)
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Increment the counter for the given endpoint:
		RESTRequestMetricsTotal.WithLabelValues(c.Request.Method, c.FullPath()).Inc()

		r := c.Request
		w := c.Writer

		// Start timing responseTime histogram
		start := time.Now()

		// Set activeConnections gauge
		activeRESTConnections.Inc()
		defer activeRESTConnections.Dec()

		c.Next()

		// after request, labeled by route template so session ids don't explode cardinality

		// observe request size in kilobtyes
		if r.ContentLength > 0 {
			requestSizeRESTAPI.WithLabelValues(c.Request.Method, c.FullPath()).Observe(float64(r.ContentLength) / 1024)
		}

		// set response size
		if w.Size() > 0 {
			responseSizeRESTAPI.WithLabelValues(c.Request.Method, c.FullPath()).Observe(float64(w.Size()) / 1024)
		}

		// Set responseTime histogram
		latency := time.Since(start)
		responseTimeRESTAPI.WithLabelValues(c.Request.Method, c.FullPath()).Observe(float64(latency.Milliseconds()))
	}
}
