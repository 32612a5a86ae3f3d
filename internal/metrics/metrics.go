package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: cache lookups by result (hit | miss | error).
	CacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "era5_cache_lookups_total",
			Help: "Cache lookups by result.",
		},
		[]string{"result"},
	)

	// Counter: records found unusable (bad index, missing payload, checksum
	// mismatch). Each one is also counted as a miss.
	CacheCorruptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "era5_cache_corrupt_total",
			Help: "Cache records found corrupt and treated as misses.",
		},
	)

	// Counter: chunks written to the cache.
	CacheWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "era5_cache_writes_total",
			Help: "Payloads written to the cache.",
		},
	)

	// Gauge: tasks emitted by the last planning pass.
	PlannedTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "era5_planned_tasks",
			Help: "Fetch tasks emitted by the last planning pass.",
		},
	)

	// Counter: archive attempts by outcome (ok | transient | unavailable | rejected | quota | decode | cache).
	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "era5_fetch_attempts_total",
			Help: "Archive retrieval attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// Histogram: duration of one archive retrieval (submit to download) in seconds.
	FetchLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "era5_fetch_latency_seconds",
			Help:    "Archive retrieval latency in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// Counter: payload bytes downloaded.
	DownloadedBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "era5_downloaded_bytes_total",
			Help: "Payload bytes downloaded from the archive.",
		},
	)

	// Histogram: status server latency in seconds.
	HTTPLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "era5_http_latency_seconds",
			Help:    "Status server request latency in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"path", "method", "status_code"},
	)

	registerOnce sync.Once
)

// Register is called once in main() to register metrics.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CacheLookupsTotal,
			CacheCorruptTotal,
			CacheWritesTotal,
			PlannedTasks,
			FetchAttemptsTotal,
			FetchLatencySeconds,
			DownloadedBytesTotal,
			HTTPLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		HTTPLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}
