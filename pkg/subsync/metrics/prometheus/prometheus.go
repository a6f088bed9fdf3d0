package prommetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Metrics implements subsync.Metrics using Prometheus.
type Metrics struct {
	eventsProcessedTotal    *prometheus.CounterVec
	eventProcessingDuration *prometheus.HistogramVec
	transitionsAppliedTotal *prometheus.CounterVec
	tierChangesTotal        *prometheus.CounterVec
	reconciliationsTotal    *prometheus.CounterVec
	storeErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation for event processing.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		eventsProcessedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "events_processed_total",
			Help:      "Total number of billing events processed, by type and result.",
		}, []string{"event_type", "result"}),

		eventProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "event_processing_duration_seconds",
			Help:      "End-to-end processing duration of one billing event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		transitionsAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "transitions_applied_total",
			Help:      "Total number of subscription transitions persisted.",
		}, []string{"kind", "status"}),

		tierChangesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "tier_changes_total",
			Help:      "Total number of plan tier changes.",
		}, []string{"from_tier", "to_tier"}),

		reconciliationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "reconciliations_total",
			Help:      "Total number of failed-event replay attempts, by result.",
		}, []string{"result"}),

		storeErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subsync",
			Name:      "store_errors_total",
			Help:      "Total number of storage failures, by operation.",
		}, []string{"op"}),
	}
}

// DefaultMetrics creates metrics registered on the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}

func (m *Metrics) RecordEventProcessed(eventType, result string) {
	m.eventsProcessedTotal.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) RecordEventProcessingDuration(eventType string, duration time.Duration) {
	m.eventProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordTransitionApplied(kind, status string) {
	m.transitionsAppliedTotal.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) RecordTierChange(fromTier, toTier string) {
	m.tierChangesTotal.WithLabelValues(fromTier, toTier).Inc()
}

func (m *Metrics) RecordReconciliation(result string) {
	m.reconciliationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordStoreError(op string) {
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

var _ subsync.Metrics = (*Metrics)(nil)
