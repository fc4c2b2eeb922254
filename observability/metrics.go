package observability

import (
	"time"

	"github.com/glimte/mmate-chain/interceptors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a Prometheus backed interceptors.MetricsCollector
type Metrics struct {
	MessagesTotal      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
}

var _ interceptors.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates and registers the chain metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_chain_messages_total",
			Help: "Messages processed by interceptor chains.",
		}, []string{"operation"}),

		ProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mmate_chain_processing_duration_seconds",
			Help:    "Time from receive to post-invoke per message.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),

		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mmate_chain_errors_total",
			Help: "Faulted messages by operation and fault code.",
		}, []string{"operation", "error_type"}),
	}
}

// IncrementMessageCount implements interceptors.MetricsCollector
func (m *Metrics) IncrementMessageCount(operation string) {
	m.MessagesTotal.WithLabelValues(operation).Inc()
}

// RecordProcessingTime implements interceptors.MetricsCollector
func (m *Metrics) RecordProcessingTime(operation string, duration time.Duration) {
	m.ProcessingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// IncrementErrorCount implements interceptors.MetricsCollector
func (m *Metrics) IncrementErrorCount(operation string, errorType string) {
	m.ErrorsTotal.WithLabelValues(operation, errorType).Inc()
}
