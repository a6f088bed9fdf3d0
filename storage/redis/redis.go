// Package redis provides a Redis implementation of the subsync.Store
// interface. Subscription writes go through a Lua script so the
// newest-event-wins comparison and the write happen atomically; the event
// ledger uses SET NX for unique inserts.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coachforge/subsync/pkg/subsync"
)

// Storage implements subsync.Store using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "subsync:")
	KeyPrefix string

	// EventTTL is the TTL for ledger entries (0 = no expiration). Entries
	// must outlive the provider's redelivery window or duplicates slip
	// through.
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "subsync:",
		EventTTL:  30 * 24 * time.Hour,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "subsync:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()
	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Upsert subscription only when the incoming event timestamp is
	// strictly newer than the stored one
	s.scripts["upsert"] = redis.NewScript(`
		local subKey = KEYS[1]
		local refKey = KEYS[2]
		local userID = ARGV[1]
		local lastEventAt = tonumber(ARGV[2])
		local data = ARGV[3]
		local oldRefKey = ""

		local existing = redis.call('HGET', subKey, 'last_event_at')
		if existing and lastEventAt <= tonumber(existing) then
			return 'stale'
		end

		local prevRef = redis.call('HGET', subKey, 'subscription_ref')
		redis.call('HSET', subKey, 'last_event_at', lastEventAt)
		redis.call('HSET', subKey, 'data', data)
		redis.call('HSET', subKey, 'subscription_ref', ARGV[4])

		if prevRef and prevRef ~= '' and prevRef ~= ARGV[4] then
			redis.call('DEL', KEYS[3] .. prevRef)
		end
		if refKey ~= '' then
			redis.call('SET', refKey, userID)
		end

		return 'ok'
	`)
}

func (s *Storage) subKey(userID string) string {
	return s.config.KeyPrefix + "sub:" + userID
}

func (s *Storage) refKeyPrefix() string {
	return s.config.KeyPrefix + "ref:"
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) failedSetKey() string {
	return s.config.KeyPrefix + "failed"
}

// GetSubscription implements subsync.Store
func (s *Storage) GetSubscription(ctx context.Context, userID string) (*subsync.Subscription, error) {
	data, err := s.client.HGet(ctx, s.subKey(userID), "data").Result()
	if err == redis.Nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	var sub subsync.Subscription
	if err := json.Unmarshal([]byte(data), &sub); err != nil {
		return nil, fmt.Errorf("failed to decode subscription: %w", err)
	}
	return &sub, nil
}

// GetSubscriptionByRef implements subsync.Store
func (s *Storage) GetSubscriptionByRef(ctx context.Context, subscriptionRef string) (*subsync.Subscription, error) {
	if subscriptionRef == "" {
		return nil, subsync.ErrSubscriptionNotFound
	}
	userID, err := s.client.Get(ctx, s.refKeyPrefix()+subscriptionRef).Result()
	if err == redis.Nil {
		return nil, subsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription ref: %w", err)
	}
	return s.GetSubscription(ctx, userID)
}

// UpsertSubscription implements subsync.Store
func (s *Storage) UpsertSubscription(ctx context.Context, next *subsync.Subscription) error {
	if next == nil || next.UserID == "" {
		return subsync.ErrInvalidSubscription
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode subscription: %w", err)
	}

	refKey := ""
	if next.SubscriptionRef != "" {
		refKey = s.refKeyPrefix() + next.SubscriptionRef
	}

	result, err := s.scripts["upsert"].Run(ctx, s.client,
		[]string{s.subKey(next.UserID), refKey, s.refKeyPrefix()},
		next.UserID, next.LastEventAt.UnixNano(), string(data), next.SubscriptionRef,
	).Result()
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if result == "stale" {
		return subsync.ErrStaleTransition
	}
	return nil
}

// RecordEvent implements subsync.Store. SET NX makes the insert a
// first-writer-wins operation.
func (s *Storage) RecordEvent(ctx context.Context, rec *subsync.EventRecord) error {
	if rec == nil || rec.EventID == "" {
		return subsync.ErrEventNotFound
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(rec.EventID), string(data), s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	if !ok {
		return subsync.ErrEventAlreadyRecorded
	}

	if rec.Outcome == subsync.OutcomeFailed {
		if err := s.client.SAdd(ctx, s.failedSetKey(), rec.EventID).Err(); err != nil {
			return fmt.Errorf("failed to index failed event: %w", err)
		}
	}
	return nil
}

// FinishEvent implements subsync.Store
func (s *Storage) FinishEvent(ctx context.Context, eventID string, outcome subsync.EventOutcome, reason string) error {
	key := s.eventKey(eventID)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return subsync.ErrEventNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}

	var rec subsync.EventRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return fmt.Errorf("failed to decode event: %w", err)
	}
	rec.Outcome = outcome
	rec.Reason = reason

	updated, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if err := s.client.Set(ctx, key, string(updated), redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	if outcome == subsync.OutcomeFailed {
		err = s.client.SAdd(ctx, s.failedSetKey(), eventID).Err()
	} else {
		err = s.client.SRem(ctx, s.failedSetKey(), eventID).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update failed index: %w", err)
	}
	return nil
}

// ListFailedEvents implements subsync.Store
func (s *Storage) ListFailedEvents(ctx context.Context, subscriptionRef string, limit int) ([]*subsync.EventRecord, error) {
	ids, err := s.client.SMembers(ctx, s.failedSetKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed events: %w", err)
	}

	var out []*subsync.EventRecord
	for _, id := range ids {
		data, err := s.client.Get(ctx, s.eventKey(id)).Result()
		if err == redis.Nil {
			// Ledger entry expired out from under the index
			_ = s.client.SRem(ctx, s.failedSetKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get event: %w", err)
		}

		var rec subsync.EventRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		if rec.Outcome != subsync.OutcomeFailed {
			continue
		}
		if subscriptionRef != "" && rec.SubscriptionRef != subscriptionRef {
			continue
		}
		out = append(out, &rec)
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
