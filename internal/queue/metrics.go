package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of tasks waiting per queue",
		},
		[]string{"queue"},
	)
	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total tasks enqueued grouped by result",
		},
		[]string{"type", "result"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total tasks processed grouped by status",
		},
		[]string{"type", "status"},
	)
	QueueArchivedSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_archived_size",
			Help: "Number of tasks archived after exhausting retries",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueEnqueuedTotal, QueueProcessedTotal, QueueArchivedSize)
}
