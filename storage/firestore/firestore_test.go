//go:build integration
// +build integration

package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/coachforge/subsync/pkg/subsync"
)

// setupTestStorage connects to the Firestore emulator. Set
// FIRESTORE_EMULATOR_HOST (e.g. localhost:8080) to run these tests.
func setupTestStorage(t *testing.T) *Storage {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("Skipping test: FIRESTORE_EMULATOR_HOST not set")
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, "subsync-test")
	if err != nil {
		t.Skipf("Skipping test: failed to create firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, Config{
		SubscriptionsCollection: "test_subscriptions",
		EventsCollection:        "test_events",
	})
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return storage
}

func TestStorage_UpsertAndGet(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	userID := "user_" + time.Now().Format("150405.000000000")
	now := time.Now().UTC()

	_, err := storage.GetSubscription(ctx, userID)
	if err != subsync.ErrSubscriptionNotFound {
		t.Errorf("Expected ErrSubscriptionNotFound, got %v", err)
	}

	ref := "sub_" + userID
	sub := &subsync.Subscription{
		UserID:          userID,
		Tier:            "TRAINING_30DAY",
		Status:          subsync.StatusActive,
		CustomerRef:     "cus_1",
		SubscriptionRef: ref,
		LastEventAt:     now,
		UpdatedAt:       now,
	}
	if err := storage.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("UpsertSubscription failed: %v", err)
	}

	retrieved, err := storage.GetSubscription(ctx, userID)
	if err != nil {
		t.Fatalf("GetSubscription failed: %v", err)
	}
	if retrieved.Tier != "TRAINING_30DAY" || retrieved.Status != subsync.StatusActive {
		t.Errorf("Row mismatch: %+v", retrieved)
	}

	byRef, err := storage.GetSubscriptionByRef(ctx, ref)
	if err != nil {
		t.Fatalf("GetSubscriptionByRef failed: %v", err)
	}
	if byRef.UserID != userID {
		t.Errorf("UserID mismatch: %s", byRef.UserID)
	}

	// Stale write rejected inside the transaction
	stale := &subsync.Subscription{
		UserID:      userID,
		Status:      subsync.StatusCanceled,
		LastEventAt: now.Add(-time.Minute),
		UpdatedAt:   now,
	}
	if err := storage.UpsertSubscription(ctx, stale); err != subsync.ErrStaleTransition {
		t.Errorf("Expected ErrStaleTransition, got %v", err)
	}
}

func TestStorage_RecordEvent_Duplicate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	rec := &subsync.EventRecord{
		EventID:    "evt_" + time.Now().Format("150405.000000000"),
		EventType:  "checkout.session.completed",
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

	if err := storage.FinishEvent(ctx, rec.EventID, subsync.OutcomeApplied, ""); err != nil {
		t.Fatalf("FinishEvent failed: %v", err)
	}
	if err := storage.FinishEvent(ctx, "evt_missing", subsync.OutcomeApplied, ""); err != subsync.ErrEventNotFound {
		t.Errorf("Expected ErrEventNotFound, got %v", err)
	}
}
