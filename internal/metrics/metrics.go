package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const DefaultNamespace = "conversation_store"

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	EventsProcessed  *prometheus.CounterVec
	Migrations       *prometheus.CounterVec
	MigratedMessages prometheus.Histogram
	RelayDeliveries  *prometheus.CounterVec
	RelayAttempts    prometheus.Histogram
	QueueMessages    *prometheus.CounterVec
	QueueErrors      *prometheus.CounterVec
}

// New builds the collectors and registers them with reg.
func New(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Conversation events processed by kind, tier and outcome.",
		}, []string{"kind", "tier", "outcome"}),
		Migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrations_total",
			Help:      "Hot to cold migrations by outcome.",
		}, []string{"outcome"}),
		MigratedMessages: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "migration_archive_messages",
			Help:      "Size of the archive written by a migration.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		RelayDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_relay_total",
			Help:      "Feedback records by delivery outcome.",
		}, []string{"outcome"}),
		RelayAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feedback_relay_attempts",
			Help:      "Attempts needed per feedback record.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 11},
		}),
		QueueMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue deliveries by dispatch outcome.",
		}, []string{"outcome"}),
		QueueErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_errors_total",
			Help:      "Queue consumer failures by operation.",
		}, []string{"op"}),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		m.EventsProcessed,
		m.Migrations,
		m.MigratedMessages,
		m.RelayDeliveries,
		m.RelayAttempts,
		m.QueueMessages,
		m.QueueErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) EventProcessed(kind, tier, outcome string) {
	m.EventsProcessed.WithLabelValues(kind, tier, outcome).Inc()
}

func (m *Metrics) MigrationFinished(outcome string, messages int) {
	m.Migrations.WithLabelValues(outcome).Inc()
	if messages > 0 {
		m.MigratedMessages.Observe(float64(messages))
	}
}

func (m *Metrics) RelayDelivered(outcome string, attempts int) {
	m.RelayDeliveries.WithLabelValues(outcome).Inc()
	if attempts > 0 {
		m.RelayAttempts.Observe(float64(attempts))
	}
}

func (m *Metrics) MessageHandled(outcome string) {
	m.QueueMessages.WithLabelValues(outcome).Inc()
}

func (m *Metrics) PollFailed(op string) {
	m.QueueErrors.WithLabelValues(op).Inc()
}
