// Package memory provides an in-memory implementation of the subsync.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Storage implements subsync.Store using in-memory maps.
type Storage struct {
	mu     sync.RWMutex
	byUser map[string]*subsync.Subscription
	byRef  map[string]string // external subscription ref -> user id
	events map[string]*subsync.EventRecord
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		byUser: make(map[string]*subsync.Subscription),
		byRef:  make(map[string]string),
		events: make(map[string]*subsync.EventRecord),
	}
}

// GetSubscription implements subsync.Store.
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.byUser[userID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}

	// Return a copy to prevent external mutations
	subCopy := *sub
	return &subCopy, nil
}

// GetSubscriptionByRef implements subsync.Store.
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionRef string) (*subsync.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	userID, ok := s.byRef[subscriptionRef]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}
	sub, ok := s.byUser[userID]
	if !ok {
		return nil, subsync.ErrSubscriptionNotFound
	}

	subCopy := *sub
	return &subCopy, nil
}

// UpsertSubscription implements subsync.Store. The write succeeds only when
// the incoming LastEventAt is strictly newer than the stored one.
func (s *Storage) UpsertSubscription(ctx context.Context, next *subsync.Subscription) error {
	if next == nil || next.UserID == "" {
		return subsync.ErrInvalidSubscription
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byUser[next.UserID]
	if ok && !next.LastEventAt.After(existing.LastEventAt) {
		return subsync.ErrStaleTransition
	}

	if ok && existing.SubscriptionRef != "" && existing.SubscriptionRef != next.SubscriptionRef {
		delete(s.byRef, existing.SubscriptionRef)
	}

	subCopy := *next
	s.byUser[next.UserID] = &subCopy
	if next.SubscriptionRef != "" {
		s.byRef[next.SubscriptionRef] = next.UserID
	}
	return nil
}

// RecordEvent implements subsync.Store. The map membership check under the
// write lock gives the unique-insert semantics: exactly one concurrent caller
// sees a fresh insert.
func (s *Storage) RecordEvent(ctx context.Context, rec *subsync.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return subsync.ErrEventNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[rec.EventID]; exists {
		return subsync.ErrEventAlreadyRecorded
	}

	recCopy := *rec
	recCopy.Payload = append([]byte(nil), rec.Payload...)
	s.events[rec.EventID] = &recCopy
	return nil
}

// FinishEvent implements subsync.Store.
func (s *Storage) FinishEvent(ctx context.Context, eventID string, outcome subsync.EventOutcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.events[eventID]
	if !ok {
		return subsync.ErrEventNotFound
	}
	rec.Outcome = outcome
	rec.Reason = reason
	return nil
}

// ListFailedEvents implements subsync.Store.
func (s *Storage) ListFailedEvents(ctx context.Context, subscriptionRef string, limit int) ([]*subsync.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.EventRecord
	for _, rec := range s.events {
		if rec.Outcome != subsync.OutcomeFailed {
			continue
		}
		if subscriptionRef != "" && rec.SubscriptionRef != subscriptionRef {
			continue
		}
		recCopy := *rec
		recCopy.Payload = append([]byte(nil), rec.Payload...)
		out = append(out, &recCopy)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ subsync.Store = (*Storage)(nil)
