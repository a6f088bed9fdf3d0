// Package firestore provides a Firestore implementation of the subsync.Store
// interface. Subscription writes run inside a Firestore transaction so the
// newest-event-wins check and the write commit atomically; the event ledger
// uses Create, which fails with AlreadyExists on redelivery.
package firestore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Storage implements subsync.Store using Google Cloud Firestore
type Storage struct {
	client                  *firestore.Client
	subscriptionsCollection string
	eventsCollection        string
}

// Config holds Firestore storage configuration
type Config struct {
	// SubscriptionsCollection is the Firestore collection for subscription rows
	// Default: "billing_subscriptions"
	SubscriptionsCollection string

	// EventsCollection is the Firestore collection for the event ledger
	// Default: "billing_events"
	EventsCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.SubscriptionsCollection == "" {
		config.SubscriptionsCollection = "billing_subscriptions"
	}
	if config.EventsCollection == "" {
		config.EventsCollection = "billing_events"
	}

	return &Storage{
		client:                  client,
		subscriptionsCollection: config.SubscriptionsCollection,
		eventsCollection:        config.EventsCollection,
	}, nil
}

// GetSubscription implements subsync.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	doc := s.client.Collection(s.subscriptionsCollection).Doc(userID)
	snap, err := doc.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, subsync.ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if !snap.Exists() {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(userID, snap.Data()), nil
}

// GetSubscriptionByRef implements subsync.Store
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionRef string) (*subsync.Subscription, error) {
	if subscriptionRef == "" {
		return nil, subsync.ErrSubscriptionNotFound
	}

	snaps, err := s.client.Collection(s.subscriptionsCollection).
		Where("subscriptionRef", "==", subscriptionRef).
		Limit(1).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query subscription: %w", err)
	}
	if len(snaps) == 0 {
		return nil, subsync.ErrSubscriptionNotFound
	}
	return subscriptionFromData(snaps[0].Ref.ID, snaps[0].Data()), nil
}

// UpsertSubscription implements subsync.Store with a transaction-safe
// newest-event-wins write
func (s *Storage) UpsertSubscription(ctx context.Context, next *subsync.Subscription) error {
	if next == nil || next.UserID == "" {
		return subsync.ErrInvalidSubscription
	}

	doc := s.client.Collection(s.subscriptionsCollection).Doc(next.UserID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		if err == nil && snap.Exists() {
			existing := getTime(snap.Data(), "lastEventAt")
			if !next.LastEventAt.After(existing) {
				return subsync.ErrStaleTransition
			}
		}
		return tx.Set(doc, subscriptionToData(next))
	})
	if err != nil {
		if err == subsync.ErrStaleTransition {
			return err
		}
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// RecordEvent implements subsync.Store. Create fails with AlreadyExists when
// the document is present, which is exactly the unique-insert contract.
func (s *Storage) RecordEvent(ctx context.Context, rec *subsync.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return subsync.ErrEventNotFound
	}

	doc := s.client.Collection(s.eventsCollection).Doc(rec.EventID)
	_, err := doc.Create(ctx, eventToData(rec))
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return subsync.ErrEventAlreadyRecorded
		}
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// FinishEvent implements subsync.Store
func (s *Storage) FinishEvent(ctx context.Context, eventID string, outcome subsync.EventOutcome, reason string) error {
	doc := s.client.Collection(s.eventsCollection).Doc(eventID)
	_, err := doc.Update(ctx, []firestore.Update{
		{Path: "outcome", Value: string(outcome)},
		{Path: "reason", Value: reason},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return subsync.ErrEventNotFound
		}
		return fmt.Errorf("failed to finish event: %w", err)
	}
	return nil
}

// ListFailedEvents implements subsync.Store
func (s *Storage) ListFailedEvents(ctx context.Context, subscriptionRef string, limit int) ([]*subsync.EventRecord, error) {
	query := s.client.Collection(s.eventsCollection).
		Where("outcome", "==", string(subsync.OutcomeFailed))
	if subscriptionRef != "" {
		query = query.Where("subscriptionRef", "==", subscriptionRef)
	}
	if limit <= 0 {
		limit = 100
	}

	snaps, err := query.Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	out := make([]*subsync.EventRecord, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, eventFromData(snap.Ref.ID, snap.Data()))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	return out, nil
}

func subscriptionToData(sub *subsync.Subscription) map[string]interface{} {
	data := map[string]interface{}{
		"tier":            sub.Tier,
		"status":          string(sub.Status),
		"customerRef":     sub.CustomerRef,
		"subscriptionRef": sub.SubscriptionRef,
		"lastEventAt":     sub.LastEventAt,
		"updatedAt":       sub.UpdatedAt,
	}
	if sub.CurrentPeriodEnd != nil {
		data["currentPeriodEnd"] = *sub.CurrentPeriodEnd
	}
	return data
}

func subscriptionFromData(userID string, data map[string]interface{}) *subsync.Subscription {
	sub := &subsync.Subscription{
		UserID:          userID,
		Tier:            getString(data, "tier"),
		Status:          subsync.Status(getString(data, "status")),
		CustomerRef:     getString(data, "customerRef"),
		SubscriptionRef: getString(data, "subscriptionRef"),
		LastEventAt:     getTime(data, "lastEventAt"),
		UpdatedAt:       getTime(data, "updatedAt"),
	}
	if end, ok := data["currentPeriodEnd"].(time.Time); ok && !end.IsZero() {
		sub.CurrentPeriodEnd = &end
	}
	return sub
}

func eventToData(rec *subsync.EventRecord) map[string]interface{} {
	return map[string]interface{}{
		"eventType":       rec.EventType,
		"subscriptionRef": rec.SubscriptionRef,
		"outcome":         string(rec.Outcome),
		"reason":          rec.Reason,
		"payload":         rec.Payload,
		"occurredAt":      rec.OccurredAt,
		"receivedAt":      rec.ReceivedAt,
	}
}

func eventFromData(eventID string, data map[string]interface{}) *subsync.EventRecord {
	rec := &subsync.EventRecord{
		EventID:         eventID,
		EventType:       getString(data, "eventType"),
		SubscriptionRef: getString(data, "subscriptionRef"),
		Outcome:         subsync.EventOutcome(getString(data, "outcome")),
		Reason:          getString(data, "reason"),
		OccurredAt:      getTime(data, "occurredAt"),
		ReceivedAt:      getTime(data, "receivedAt"),
	}
	if payload, ok := data["payload"].([]byte); ok {
		rec.Payload = payload
	}
	return rec
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v
	}
	return time.Time{}
}

var _ subsync.Store = (*Storage)(nil)
