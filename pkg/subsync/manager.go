package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"
)

const defaultReconcileLimit = 50

// ProcessResult describes what happened to one delivered event.
type ProcessResult string

const (
	// ResultApplied means the transition was persisted
	ResultApplied ProcessResult = "applied"
	// ResultIgnored means the event was stale or irrelevant
	ResultIgnored ProcessResult = "ignored"
	// ResultDuplicate means the event id was already in the ledger
	ResultDuplicate ProcessResult = "duplicate"
	// ResultFailed means the transition could not be applied; the ledger entry
	// is retained for reconciliation
	ResultFailed ProcessResult = "failed"
)

// Event is one verified delivery from the billing provider, already parsed
// into a transition by the provider adapter.
type Event struct {
	// ID is the provider-assigned globally unique event id
	ID string

	// Type is the provider's event type string
	Type string

	// OccurredAt is the event's generation timestamp at the provider
	OccurredAt time.Time

	// Transition is the state transition the event maps to. Nil for event
	// types that carry no transition (recorded as ignored).
	Transition Transition

	// ParseErr is set when the payload was authentic but undecodable
	// (recorded as failed, never retried by the source).
	ParseErr error
}

// Config holds Manager configuration.
type Config struct {
	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics is used for tracking processing operations (default: NoopMetrics)
	Metrics Metrics

	// ReconcileLimit caps how many failed ledger entries one reconciliation
	// pass replays (default: 50)
	ReconcileLimit int
}

// Manager applies billing-provider events to the subscription store exactly
// once. Concurrent deliveries of the same event id are serialized by the
// ledger's unique insert; out-of-order deliveries converge via the store's
// monotonic timestamp guard.
type Manager struct {
	store          Store
	logger         Logger
	metrics        Metrics
	reconcileLimit int
	reconcileGroup singleflight.Group
}

// NewManager creates a new Manager backed by the given store.
func NewManager(store Store, config *Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = &NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	limit := config.ReconcileLimit
	if limit <= 0 {
		limit = defaultReconcileLimit
	}

	return &Manager{
		store:          store,
		logger:         logger,
		metrics:        metrics,
		reconcileLimit: limit,
	}, nil
}

// Process runs one event through the ledger gate and, if this is its first
// delivery, applies its transition. Apply failures are absorbed into the
// ledger ("failed") rather than returned, so callers can acknowledge receipt
// to the delivery channel; an error is returned only when the ledger insert
// itself fails, in which case nothing was applied and a redelivery is safe.
func (m *Manager) Process(ctx context.Context, ev Event) (ProcessResult, error) {
	start := time.Now()

	rec := &EventRecord{
		EventID:    ev.ID,
		EventType:  ev.Type,
		Outcome:    OutcomePending,
		OccurredAt: ev.OccurredAt,
		ReceivedAt: time.Now().UTC(),
	}
	if ev.Transition != nil {
		rec.SubscriptionRef = ev.Transition.Ref()
		payload, err := EncodeTransition(ev.Transition)
		if err != nil {
			return "", fmt.Errorf("failed to encode transition: %w", err)
		}
		rec.Payload = payload
	}

	if err := m.store.RecordEvent(ctx, rec); err != nil {
		if errors.Is(err, ErrEventAlreadyRecorded) {
			m.logger.Debug("duplicate event delivery",
				Field{Key: "event_id", Value: ev.ID},
				Field{Key: "event_type", Value: ev.Type})
			m.metrics.RecordEventProcessed(ev.Type, string(ResultDuplicate))
			return ResultDuplicate, nil
		}
		m.metrics.RecordStoreError("record_event")
		return "", fmt.Errorf("failed to record event %s: %w", ev.ID, err)
	}

	result := m.processRecorded(ctx, ev)
	m.metrics.RecordEventProcessed(ev.Type, string(result))
	m.metrics.RecordEventProcessingDuration(ev.Type, time.Since(start))
	return result, nil
}

func (m *Manager) processRecorded(ctx context.Context, ev Event) ProcessResult {
	if ev.ParseErr != nil {
		m.logger.Error("undecodable event payload",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: ev.Type},
			Field{Key: "error", Value: ev.ParseErr.Error()})
		m.finish(ctx, ev.ID, OutcomeFailed, fmt.Sprintf("invalid payload: %v", ev.ParseErr))
		return ResultFailed
	}

	if ev.Transition == nil {
		m.finish(ctx, ev.ID, OutcomeIgnored, "unhandled event type")
		return ResultIgnored
	}

	err := m.Apply(ctx, ev.Transition, ev.OccurredAt)
	switch {
	case err == nil:
		m.finish(ctx, ev.ID, OutcomeApplied, "")
		// A create may unblock updates that arrived before it
		if ev.Transition.Kind() == KindCheckoutCompleted {
			m.reconcileRef(ctx, ev.Transition.Ref())
		}
		return ResultApplied
	case errors.Is(err, ErrStaleTransition):
		m.logger.Info("stale event ignored",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: ev.Type},
			Field{Key: "occurred_at", Value: ev.OccurredAt})
		m.finish(ctx, ev.ID, OutcomeIgnored, "stale transition")
		return ResultIgnored
	default:
		m.logger.Error("failed to apply transition",
			Field{Key: "event_id", Value: ev.ID},
			Field{Key: "event_type", Value: ev.Type},
			Field{Key: "error", Value: err.Error()})
		m.finish(ctx, ev.ID, OutcomeFailed, err.Error())
		return ResultFailed
	}
}

// Apply persists a single transition, honoring the store's monotonic
// timestamp guard. It bypasses the event ledger; webhook deliveries go
// through Process, Apply serves reconciliation and provider re-sync.
func (m *Manager) Apply(ctx context.Context, t Transition, occurredAt time.Time) error {
	now := time.Now().UTC()

	var base *Subscription
	var next *Subscription

	switch t := t.(type) {
	case CheckoutCompleted:
		existing, err := m.store.GetSubscription(ctx, t.UserID)
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			m.metrics.RecordStoreError("get_subscription")
			return fmt.Errorf("failed to load subscription for user %s: %w", t.UserID, err)
		}
		base = existing
		next = &Subscription{
			UserID:           t.UserID,
			Tier:             t.Tier,
			Status:           t.Status,
			CurrentPeriodEnd: t.PeriodEnd,
			CustomerRef:      t.CustomerRef,
			SubscriptionRef:  t.SubscriptionRef,
		}
		if next.CurrentPeriodEnd == nil && base != nil {
			next.CurrentPeriodEnd = base.CurrentPeriodEnd
		}

	case SubscriptionUpdated:
		existing, err := m.lookupByRef(ctx, t.SubscriptionRef)
		if err != nil {
			return err
		}
		base = existing
		n := *existing
		n.Status = t.Status
		// Empty tier means the payload's price had no mapping; keep the stored tier
		if t.Tier != "" {
			n.Tier = t.Tier
		}
		if t.PeriodEnd != nil {
			n.CurrentPeriodEnd = t.PeriodEnd
		}
		next = &n

	case SubscriptionDeleted:
		existing, err := m.lookupByRef(ctx, t.SubscriptionRef)
		if err != nil {
			return err
		}
		base = existing
		n := *existing
		n.Status = StatusCanceled
		next = &n

	case PaymentFailed:
		existing, err := m.lookupByRef(ctx, t.SubscriptionRef)
		if err != nil {
			return err
		}
		base = existing
		n := *existing
		n.Status = StatusPastDue
		next = &n

	case PaymentRecovered:
		existing, err := m.lookupByRef(ctx, t.SubscriptionRef)
		if err != nil {
			return err
		}
		base = existing
		n := *existing
		if n.Status == StatusPastDue {
			n.Status = StatusActive
		}
		next = &n

	default:
		return fmt.Errorf("%w: %T", ErrUnknownTransition, t)
	}

	next.LastEventAt = occurredAt
	next.UpdatedAt = now

	if err := m.store.UpsertSubscription(ctx, next); err != nil {
		if !errors.Is(err, ErrStaleTransition) {
			m.metrics.RecordStoreError("upsert_subscription")
		}
		return err
	}

	m.metrics.RecordTransitionApplied(string(t.Kind()), string(next.Status))
	if base != nil && base.Tier != next.Tier {
		m.metrics.RecordTierChange(base.Tier, next.Tier)
	}
	return nil
}

// GetSubscription returns the current subscription projection for a user, or
// ErrSubscriptionNotFound when none exists.
func (m *Manager) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	sub, err := m.store.GetSubscription(ctx, userID)
	if err != nil {
		if !errors.Is(err, ErrSubscriptionNotFound) {
			m.metrics.RecordStoreError("get_subscription")
		}
		return nil, err
	}
	return sub, nil
}

// Reconcile replays all failed ledger entries once, oldest first. Intended
// for periodic invocation by external reconciliation tooling; per-ref passes
// also run automatically after a checkout completion applies.
func (m *Manager) Reconcile(ctx context.Context) error {
	return m.replayFailed(ctx, "")
}

func (m *Manager) reconcileRef(ctx context.Context, ref string) {
	if ref == "" {
		return
	}
	// singleflight keeps racing completions from replaying the same ref twice
	_, _, _ = m.reconcileGroup.Do(ref, func() (interface{}, error) {
		return nil, m.replayFailed(ctx, ref)
	})
}

func (m *Manager) replayFailed(ctx context.Context, ref string) error {
	recs, err := m.store.ListFailedEvents(ctx, ref, m.reconcileLimit)
	if err != nil {
		m.metrics.RecordStoreError("list_failed_events")
		return fmt.Errorf("failed to list failed events: %w", err)
	}

	for _, rec := range recs {
		if len(rec.Payload) == 0 {
			continue
		}
		t, err := DecodeTransition(rec.Payload)
		if err != nil {
			m.logger.Warn("skipping undecodable ledger payload",
				Field{Key: "event_id", Value: rec.EventID},
				Field{Key: "error", Value: err.Error()})
			continue
		}

		err = m.Apply(ctx, t, rec.OccurredAt)
		switch {
		case err == nil:
			m.finish(ctx, rec.EventID, OutcomeApplied, "")
			m.metrics.RecordReconciliation("applied")
			m.logger.Info("reconciled failed event",
				Field{Key: "event_id", Value: rec.EventID},
				Field{Key: "event_type", Value: rec.EventType})
		case errors.Is(err, ErrStaleTransition):
			m.finish(ctx, rec.EventID, OutcomeIgnored, "stale on replay")
			m.metrics.RecordReconciliation("ignored")
		default:
			m.metrics.RecordReconciliation("still_failed")
		}
	}
	return nil
}

func (m *Manager) lookupByRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, fmt.Errorf("%w: empty subscription reference", ErrSubscriptionNotFound)
	}
	sub, err := m.store.GetSubscriptionByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("%w: ref %s", ErrSubscriptionNotFound, ref)
		}
		m.metrics.RecordStoreError("get_subscription_by_ref")
		return nil, fmt.Errorf("failed to load subscription by ref %s: %w", ref, err)
	}
	return sub, nil
}

func (m *Manager) finish(ctx context.Context, eventID string, outcome EventOutcome, reason string) {
	if err := m.store.FinishEvent(ctx, eventID, outcome, reason); err != nil {
		m.metrics.RecordStoreError("finish_event")
		m.logger.Error("failed to finalize ledger entry",
			Field{Key: "event_id", Value: eventID},
			Field{Key: "outcome", Value: string(outcome)},
			Field{Key: "error", Value: err.Error()})
	}
}
