package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/coachforge/subsync/pkg/subsync"
)

func testSubscription(userID string, eventAt time.Time) *subsync.Subscription {
	return &subsync.Subscription{
		UserID:          userID,
		Tier:            "pro",
		Status:          subsync.StatusActive,
		CustomerRef:     "cus_123",
		SubscriptionRef: "sub_123",
		LastEventAt:     eventAt,
		UpdatedAt:       time.Now().UTC(),
	}
}

func TestStorage_GetSubscription_NotFound(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetSubscription(ctx, "user1")
	if err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}
}

func TestStorage_UpsertAndGet(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	sub := testSubscription("user1", now)
	if err := storage.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	retrieved, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if retrieved.Tier != "pro" {
		t.Errorf("Tier mismatch: got %s, want pro", retrieved.Tier)
	}
	if retrieved.Status != subsync.StatusActive {
		t.Errorf("Status mismatch: got %s, want active", retrieved.Status)
	}

	// Lookup by external ref sees the same row
	byRef, err := storage.GetSubscriptionByRef(ctx, "sub_123")
	if err != nil {
		t.Fatalf("GetSubscriptionByRef failed: %v", err)
	}
	if byRef.UserID != "user1" {
		t.Errorf("UserID mismatch: got %s, want user1", byRef.UserID)
	}
}

func TestStorage_Upsert_RejectsStale(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := storage.UpsertSubscription(ctx, testSubscription("user1", now)); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	// Older event must be rejected
	stale := testSubscription("user1", now.Add(-time.Minute))
	stale.Status = subsync.StatusCanceled
	if err := storage.UpsertSubscription(ctx, stale); err != subsync.ErrStaleTransition {
		t.Errorf("Expected ErrStaleTransition, got %v", err)
	}

	// Equal timestamp is also stale
	equal := testSubscription("user1", now)
	if err := storage.UpsertSubscription(ctx, equal); err != subsync.ErrStaleTransition {
		t.Errorf("Expected ErrStaleTransition for equal timestamp, got %v", err)
	}

	// State is unchanged
	retrieved, err := storage.GetSubscription(ctx, "user1")
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if retrieved.Status != subsync.StatusActive {
		t.Errorf("Status changed by stale write: got %s", retrieved.Status)
	}
}

func TestStorage_Upsert_RepointsRef(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := storage.UpsertSubscription(ctx, testSubscription("user1", now)); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	next := testSubscription("user1", now.Add(time.Minute))
	next.SubscriptionRef = "sub_456"
	if err := storage.UpsertSubscription(ctx, next); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	if _, err := storage.GetSubscriptionByRef(ctx, "sub_123"); err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected old ref to be gone, got %v", err)
	}
	byRef, err := storage.GetSubscriptionByRef(ctx, "sub_456")
	if err != nil {
		t.Fatalf("GetSubscriptionByRef failed: %v", err)
	}
	if byRef.UserID != "user1" {
		t.Errorf("UserID mismatch: got %s, want user1", byRef.UserID)
	}
}

func TestStorage_RecordEvent_Duplicate(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &subsync.EventRecord{
		EventID:    "evt_1",
		EventType:  "customer.subscription.updated",
		Outcome:    subsync.OutcomePending,
		OccurredAt: now,
		ReceivedAt: now,
	}
	if err := storage.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := storage.RecordEvent(ctx, rec); err != subsync.ErrEventAlreadyRecorded {
		t.Errorf("Expected ErrEventAlreadyRecorded, got %v", err)
	}
}

func TestStorage_RecordEvent_ConcurrentSingleWinner(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- storage.RecordEvent(ctx, &subsync.EventRecord{
				EventID:    "evt_race",
				EventType:  "invoice.payment_failed",
				Outcome:    subsync.OutcomePending,
				OccurredAt: now,
				ReceivedAt: now,
			})
		}()
	}
	wg.Wait()
	close(results)

	var inserted, duplicates int
	for err := range results {
		switch err {
		case nil:
			inserted++
		case subsync.ErrEventAlreadyRecorded:
			duplicates++
		default:
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if inserted != 1 {
		t.Errorf("Expected exactly 1 insert, got %d", inserted)
	}
	if duplicates != workers-1 {
		t.Errorf("Expected %d duplicates, got %d", workers-1, duplicates)
	}
}

func TestStorage_FinishEvent(t *testing.T) {
	storage := New()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := storage.FinishEvent(ctx, "missing", subsync.OutcomeApplied, ""); err != subsync.ErrEventNotFound {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}

	rec := &subsync.EventRecord{
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		Outcome:    subsync.OutcomePending,
		OccurredAt: now,
		ReceivedAt: now,
	}
	if err := storage.RecordEvent(ctx, rec); err != nil {
		t.Fatalf("RecordEvent failed: %v", err)
	}
	if err := storage.FinishEvent(ctx, "evt_1", subsync.OutcomeApplied, ""); err != nil {
		t.Fatalf("FinishEvent failed: %v", err)
	}
}

func TestStorage_ListFailedEvents(t *testing.T) {
	storage := New()
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 5; i++ {
		outcome := subsync.OutcomeFailed
		ref := "sub_a"
		if i == 3 {
			outcome = subsync.OutcomeApplied
		}
		if i == 4 {
			ref = "sub_b"
		}
		rec := &subsync.EventRecord{
			EventID:         fmt.Sprintf("evt_%d", i),
			EventType:       "customer.subscription.updated",
			SubscriptionRef: ref,
			Outcome:         outcome,
			OccurredAt:      base.Add(time.Duration(-i) * time.Minute),
			ReceivedAt:      base,
		}
		if err := storage.RecordEvent(ctx, rec); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	failed, err := storage.ListFailedEvents(ctx, "sub_a", 10)
	if err != nil {
		t.Fatalf("ListFailedEvents failed: %v", err)
	}
	if len(failed) != 3 {
		t.Fatalf("Expected 3 failed events for sub_a, got %d", len(failed))
	}
	// Oldest first
	for i := 1; i < len(failed); i++ {
		if failed[i].OccurredAt.Before(failed[i-1].OccurredAt) {
			t.Errorf("Events not sorted by OccurredAt ascending")
		}
	}

	// Limit applies after filtering
	limited, err := storage.ListFailedEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListFailedEvents failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 events with limit, got %d", len(limited))
	}
}
