package subsync

import "time"

// Metrics defines the interface for tracking event processing operations.
// All methods are optional - the Manager handles nil metrics with a no-op.
type Metrics interface {
	// RecordEventProcessed records one processed event by type and result
	// ("applied", "ignored", "duplicate", "failed").
	RecordEventProcessed(eventType, result string)

	// RecordEventProcessingDuration records end-to-end processing time for one event.
	RecordEventProcessingDuration(eventType string, duration time.Duration)

	// RecordTransitionApplied records a persisted transition by kind and resulting status.
	RecordTransitionApplied(kind, status string)

	// RecordTierChange records when a user's plan tier changes.
	RecordTierChange(fromTier, toTier string)

	// RecordReconciliation records one reconciliation replay attempt by result
	// ("applied", "ignored", "still_failed").
	RecordReconciliation(result string)

	// RecordStoreError records a storage failure by operation name.
	RecordStoreError(op string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEventProcessed(_, _ string)                         {}
func (n *NoopMetrics) RecordEventProcessingDuration(_ string, _ time.Duration)  {}
func (n *NoopMetrics) RecordTransitionApplied(_, _ string)                      {}
func (n *NoopMetrics) RecordTierChange(_, _ string)                             {}
func (n *NoopMetrics) RecordReconciliation(_ string)                            {}
func (n *NoopMetrics) RecordStoreError(_ string)                                {}
