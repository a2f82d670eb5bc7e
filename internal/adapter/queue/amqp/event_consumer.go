package amqp

import (
	"context"
	"log/slog"
	"time"

	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// EventHandler processes one gateway event. A nil error acks the delivery;
// transient errors requeue, anything else dead-letters.
type EventHandler func(ctx context.Context, p domain.EventPayload) error

const eventProcessedPrefix = "event:processed:"

// EventConsumer consumes membership and guild events with idempotency gating
// on the event ID. A KV outage degrades to at-least-once rather than stalling
// the queue.
type EventConsumer struct {
	*Consumer
	kv       domain.KVStore
	handlers map[string]EventHandler
	ttl      time.Duration
}

// NewEventConsumer builds the event-queue consumer with a handler registry
// keyed by event type.
func NewEventConsumer(url, queue string, prefetch int, kv domain.KVStore, handlers map[string]EventHandler, ttl time.Duration, lg *slog.Logger) *EventConsumer {
	ec := &EventConsumer{
		kv:       kv,
		handlers: handlers,
		ttl:      ttl,
	}
	ec.Consumer = NewConsumer("events", url, queue, prefetch, lg, ec.handleEvent)
	return ec
}

func (ec *EventConsumer) handleEvent(ctx context.Context, p domain.EventPayload) Verdict {
	// The dispatch loop scopes the context logger to this delivery's event id.
	lg := observability.LoggerFromContext(ctx)

	handler, ok := ec.handlers[p.EventType]
	if !ok {
		// Unknown types are acked so one unrouted producer cannot block
		// the queue.
		lg.Debug("no handler for event type, acking",
			slog.String("event_type", p.EventType))
		return VerdictAck
	}

	key := eventProcessedPrefix + p.EventID
	seen, err := ec.kv.Exists(ctx, key)
	if err != nil {
		// Fail open: a KV outage must not stall event consumption. The
		// duplicate risk is bounded by the broker's redelivery count.
		lg.Warn("idempotency probe failed, proceeding",
			slog.Any("error", err))
		observability.IdempotencyMissesTotal.Inc()
	} else if seen {
		lg.Info("duplicate event, acking without side effects",
			slog.String("event_type", p.EventType))
		observability.IdempotencyHitsTotal.Inc()
		return VerdictAck
	} else {
		observability.IdempotencyMissesTotal.Inc()
	}

	if err := handler(ctx, p); err != nil {
		if domain.IsTransient(err) {
			lg.Warn("transient handler failure, requeueing",
				slog.String("event_type", p.EventType),
				slog.Any("error", err))
			return VerdictRequeue
		}
		lg.Error("handler failure, dead-lettering",
			slog.String("event_type", p.EventType),
			slog.Any("error", err))
		return VerdictDrop
	}

	// Best effort: a failed mark only risks one redundant pass later.
	if err := ec.kv.Set(ctx, key, "1", ec.ttl); err != nil {
		lg.Warn("failed to mark event processed", slog.Any("error", err))
	}
	return VerdictAck
}
