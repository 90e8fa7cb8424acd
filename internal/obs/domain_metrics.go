package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OpensTotal counts pixel hits by recording outcome.
	OpensTotal *prometheus.CounterVec
	// SendsTotal counts delivery record creation outcomes per send kind.
	SendsTotal *prometheus.CounterVec
	// GeneratorRequestsTotal counts content generation calls by outcome.
	GeneratorRequestsTotal *prometheus.CounterVec
	// GeneratorLatency records content generation latency in milliseconds.
	GeneratorLatency prometheus.Histogram
	// OpenSinkDropped counts open events discarded because the sink buffer was full.
	OpenSinkDropped prometheus.Counter
)

// Open recording outcomes used as the result label of OpensTotal.
const (
	OpenRecorded     = "recorded"
	OpenUnknownToken = "unknown_token"
	OpenMalformed    = "malformed"
	OpenFailed       = "error"
	OpenDropped      = "dropped"
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OpensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracking_opens_total",
			Help:      "Count of tracking pixel hits by recording outcome.",
		}, []string{"result"})
		SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "campaign_sends_total",
			Help:      "Count of delivery record creation outcomes.",
		}, []string{"kind", "result"})
		GeneratorRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generator_requests_total",
			Help:      "Count of content generation requests by outcome.",
		}, []string{"result"})
		GeneratorLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generator_request_duration_ms",
			Help:      "Latency of content generation requests in milliseconds.",
			Buckets:   []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		})
		OpenSinkDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "open_sink_dropped_total",
			Help:      "Open events dropped because the recording buffer was full.",
		})

		mustRegisterCollector(reg, OpensTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				OpensTotal = v
			}
		})
		mustRegisterCollector(reg, SendsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				SendsTotal = v
			}
		})
		mustRegisterCollector(reg, GeneratorRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				GeneratorRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, GeneratorLatency, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Histogram); ok {
				GeneratorLatency = v
			}
		})
		mustRegisterCollector(reg, OpenSinkDropped, func(existing prometheus.Collector) {
			if v, ok := existing.(prometheus.Counter); ok {
				OpenSinkDropped = v
			}
		})
	})
}

// CountOpen increments OpensTotal when domain metrics are registered.
func CountOpen(result string) {
	if OpensTotal != nil {
		OpensTotal.WithLabelValues(result).Inc()
	}
}

// CountSend increments SendsTotal when domain metrics are registered.
func CountSend(kind, result string) {
	if SendsTotal != nil {
		SendsTotal.WithLabelValues(kind, result).Inc()
	}
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
