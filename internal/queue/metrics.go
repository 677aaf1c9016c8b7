package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Approximate number of ready tasks per kind",
		},
		[]string{"kind"},
	)
	QueueProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_processed_total",
			Help: "Total task executions grouped by outcome (ok, retry, dlq)",
		},
		[]string{"kind", "status"},
	)
	QueueDLQSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_dlq_size",
			Help: "Number of tasks stored in DLQ",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, QueueProcessedTotal, QueueDLQSize)
}

func observeProcessed(kind, status string) {
	QueueProcessedTotal.WithLabelValues(queueLabel(kind), status).Inc()
}

// queueLabel keeps metric cardinality bounded to sanitized kinds.
func queueLabel(kind string) string {
	if sanitized := sanitizeKind(kind); sanitized != "" {
		return sanitized
	}
	return "unknown"
}
