package amqp

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	"github.com/communityforge/synthesis-core/internal/domain"
)

func newEventConsumerForTest(t *testing.T, handlers map[string]EventHandler) (*EventConsumer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kvredis.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	ec := NewEventConsumer("amqp://unused", "events", 10, store, handlers, 24*time.Hour, nil)
	return ec, mr
}

func memberJoinBody(eventID string) string {
	return fmt.Sprintf(`{"eventId":%q,"eventType":"member.join","guildId":"g1","data":{"userId":"u1"}}`, eventID)
}

func TestEventProcessedAtMostOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ec, _ := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error {
			calls.Add(1)
			return nil
		},
	})

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-1")))
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-1")))

	acks, drops, requeues := acker.counts()
	assert.Equal(t, int64(1), calls.Load(), "duplicate delivery must not re-run the handler")
	assert.Equal(t, 2, acks, "both deliveries are acked")
	assert.Equal(t, 0, drops)
	assert.Equal(t, 0, requeues)
}

func TestEventUnknownTypeAcked(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ec, mr := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error {
			calls.Add(1)
			return nil
		},
	})

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, `{"eventId":"e9","eventType":"presence.update","guildId":"g1"}`))

	acks, _, _ := acker.counts()
	assert.Equal(t, 1, acks)
	assert.Equal(t, int64(0), calls.Load())
	require.False(t, mr.Exists(eventProcessedPrefix+"e9"), "unhandled events are not marked processed")
}

func TestEventTransientFailureRequeued(t *testing.T) {
	t.Parallel()

	ec, mr := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error {
			return fmt.Errorf("assign role: %w", domain.ErrUnavailable)
		},
	})

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-t")))

	_, drops, requeues := acker.counts()
	assert.Equal(t, 1, requeues)
	assert.Equal(t, 0, drops)
	assert.False(t, mr.Exists(eventProcessedPrefix+"evt-t"), "failed events stay unmarked so retries can run")
}

func TestEventPermanentFailureDropped(t *testing.T) {
	t.Parallel()

	ec, _ := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error {
			return fmt.Errorf("bad payload: %w", domain.ErrInvalidArgument)
		},
	})

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-p")))

	_, drops, requeues := acker.counts()
	assert.Equal(t, 1, drops)
	assert.Equal(t, 0, requeues)
}

func TestEventKVOutageFailsOpen(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	ec, mr := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error {
			calls.Add(1)
			return nil
		},
	})

	// The store is down for both the probe and the best-effort mark; the
	// event must still be handled and acked.
	mr.Close()

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-o")))

	acks, drops, requeues := acker.counts()
	assert.Equal(t, int64(1), calls.Load())
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, drops)
	assert.Equal(t, 0, requeues)
}

func TestEventSuccessMarksProcessedWithTTL(t *testing.T) {
	t.Parallel()

	ec, mr := newEventConsumerForTest(t, map[string]EventHandler{
		domain.EventMemberJoin: func(context.Context, domain.EventPayload) error { return nil },
	})

	acker := &fakeAcker{}
	ec.dispatch(context.Background(), delivery(acker, memberJoinBody("evt-m")))

	key := eventProcessedPrefix + "evt-m"
	require.True(t, mr.Exists(key))
	assert.Equal(t, 24*time.Hour, mr.TTL(key))
}
