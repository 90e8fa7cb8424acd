package obs

import (
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Request surfaces. Pixel fetches are served to mail clients and dominate
// traffic, so they are kept apart from dashboard calls and probes.
const (
	SurfacePixel = "pixel"
	SurfaceAPI   = "api"
	SurfaceOps   = "ops"
)

// DefaultHTTPBucketsMS covers sub-millisecond pixel responses as well as send
// endpoints that wait on content generation.
var DefaultHTTPBucketsMS = []float64{1, 2.5, 5, 10, 25, 50, 100, 250, 1000, 5000, 30000}

// HTTPMetrics groups Prometheus collectors for HTTP observability.
type HTTPMetrics struct {
	ReqTotal  *prometheus.CounterVec
	ReqDur    *prometheus.HistogramVec
	RespBytes *prometheus.HistogramVec
	InFlight  *prometheus.GaugeVec
}

// NewHTTPMetrics registers and returns HTTP metrics collectors. Durations are
// labelled by surface and route; the pixel surface never carries a token.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = DefaultHTTPBucketsMS
	}
	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status.",
		}, []string{"method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP latency in milliseconds by surface and route pattern.",
			Buckets:   buckets,
		}, []string{"surface", "route"}),
		RespBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_bytes",
			Help:      "Response body size by surface.",
			Buckets:   []float64{43, 256, 1024, 8192, 65536},
		}, []string{"surface"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_in_flight_requests",
			Help:      "Requests currently being served by surface.",
		}, []string{"surface"}),
	}
	mustRegisterCollector(reg, m.ReqTotal, func(c prometheus.Collector) {
		if existing, ok := c.(*prometheus.CounterVec); ok {
			m.ReqTotal = existing
		}
	})
	mustRegisterCollector(reg, m.ReqDur, func(c prometheus.Collector) {
		if existing, ok := c.(*prometheus.HistogramVec); ok {
			m.ReqDur = existing
		}
	})
	mustRegisterCollector(reg, m.RespBytes, func(c prometheus.Collector) {
		if existing, ok := c.(*prometheus.HistogramVec); ok {
			m.RespBytes = existing
		}
	})
	mustRegisterCollector(reg, m.InFlight, func(c prometheus.Collector) {
		if existing, ok := c.(*prometheus.GaugeVec); ok {
			m.InFlight = existing
		}
	})
	return m
}

// Surface classifies a request path or route pattern.
func Surface(path string) string {
	switch {
	case strings.HasPrefix(path, "/email/pixel/"):
		return SurfacePixel
	case path == "/metrics", strings.HasPrefix(path, "/health"), strings.HasPrefix(path, "/debug/"):
		return SurfaceOps
	default:
		return SurfaceAPI
	}
}

// ParseBucketsCSV converts OBS_HTTP_BUCKETS_MS into sorted, distinct, positive
// bucket boundaries. Invalid entries are ignored.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
