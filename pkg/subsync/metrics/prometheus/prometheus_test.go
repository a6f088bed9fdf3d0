package prommetrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func TestMetrics_CountersAndHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "coachforge")

	m.RecordEventProcessed("checkout.session.completed", "applied")
	m.RecordEventProcessed("checkout.session.completed", "applied")
	m.RecordEventProcessed("invoice.payment_failed", "ignored")
	m.RecordEventProcessingDuration("checkout.session.completed", 25*time.Millisecond)
	m.RecordTransitionApplied("checkout_completed", "active")
	m.RecordTierChange("", "TRAINING_30DAY")
	m.RecordReconciliation("applied")
	m.RecordStoreError("upsert_subscription")

	mf := gather(t, reg, "coachforge_subsync_events_processed_total")
	if mf == nil {
		t.Fatal("events_processed_total not registered")
	}
	if len(mf.GetMetric()) != 2 {
		t.Errorf("Expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	var total float64
	for _, metric := range mf.GetMetric() {
		total += metric.GetCounter().GetValue()
	}
	if total != 3 {
		t.Errorf("Expected 3 events counted, got %v", total)
	}

	hist := gather(t, reg, "coachforge_subsync_event_processing_duration_seconds")
	if hist == nil {
		t.Fatal("event_processing_duration_seconds not registered")
	}
	if hist.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Errorf("Expected 1 histogram sample")
	}

	for _, name := range []string{
		"coachforge_subsync_transitions_applied_total",
		"coachforge_subsync_tier_changes_total",
		"coachforge_subsync_reconciliations_total",
		"coachforge_subsync_store_errors_total",
	} {
		if gather(t, reg, name) == nil {
			t.Errorf("%s not registered", name)
		}
	}
}
