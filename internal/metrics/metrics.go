package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Purge reasons used as the "reason" label on PurgedFiles.
const (
	PurgeReasonDeleted = "deleted"
	PurgeReasonExpired = "expired"
	PurgeReasonSweep   = "sweep"
)

var (
	// HTTPRequests counts served requests by route template, method and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nullpath_http_requests_total",
		Help: "HTTP requests served.",
	}, []string{"route", "method", "status"})

	// HTTPDuration observes request latency by route template and method.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nullpath_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// StoredFiles counts successful uploads.
	StoredFiles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nullpath_files_stored_total",
		Help: "Encrypted blobs stored.",
	})

	// StoredBytes counts bytes written by successful uploads.
	StoredBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nullpath_stored_bytes_total",
		Help: "Encrypted bytes stored.",
	})

	// PurgedFiles counts removed records by reason.
	PurgedFiles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nullpath_files_purged_total",
		Help: "Records and blobs removed, by reason.",
	}, []string{"reason"})

	// IntegrityErrors counts detected blob/metadata inconsistencies.
	IntegrityErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nullpath_integrity_errors_total",
		Help: "Detected mismatches between blob storage and metadata.",
	})

	// SweepRuns counts expiry sweep executions.
	SweepRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nullpath_sweep_runs_total",
		Help: "Expiry sweep executions.",
	})

	// SweepDuration observes how long each sweep took.
	SweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nullpath_sweep_duration_seconds",
		Help:    "Expiry sweep duration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry. Safe to call
// more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests,
			HTTPDuration,
			StoredFiles,
			StoredBytes,
			PurgedFiles,
			IntegrityErrors,
			SweepRuns,
			SweepDuration,
		)
	})
}

// Middleware records request count and latency per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequests.WithLabelValues(route, method, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(route, method).Observe(time.Since(start).Seconds())
	}
}

// Register attaches the Prometheus metrics endpoint to the router.
func Register(router *gin.Engine, path string) {
	router.GET(path, gin.WrapH(promhttp.Handler()))
}
