// Package metrics exposes Prometheus collectors for the scrapeq service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeLeases               prometheus.Gauge
	scheduledDeliveries        prometheus.Gauge
	callbackRequestsTotal      *prometheus.CounterVec
	callbackThrottleSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		activeLeases = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeq_active_leases",
				Help: "Number of leases currently held in the coordinator index.",
			},
		)

		scheduledDeliveries = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scrapeq_scheduled_deliveries",
				Help: "Number of delivery attempts waiting in the retry queue.",
			},
		)

		callbackRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scrapeq_callback_requests_total",
				Help: "Total webhook requests sent, labeled by consumer host and status code.",
			},
			[]string{"host", "code"},
		)

		callbackThrottleSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scrapeq_callback_throttle_seconds",
				Help:    "Histogram of rate limit waits before webhook requests, labeled by consumer host.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from rawURL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// SetActiveLeases records the size of the lease index.
func SetActiveLeases(n int) {
	Init()
	activeLeases.Set(float64(n))
}

// SetScheduledDeliveries records the depth of the delivery retry queue.
func SetScheduledDeliveries(n int) {
	Init()
	scheduledDeliveries.Set(float64(n))
}

// ObserveCallback counts one webhook request. A code of 0 means the
// request never produced a response.
func ObserveCallback(rawURL string, code int) {
	Init()
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	callbackRequestsTotal.WithLabelValues(SanitizeHost(rawURL), label).Inc()
}

// ObserveThrottle records how long a webhook waited on the per-host limiter.
func ObserveThrottle(host string, d time.Duration) {
	Init()
	callbackThrottleSeconds.WithLabelValues(host).Observe(d.Seconds())
}
