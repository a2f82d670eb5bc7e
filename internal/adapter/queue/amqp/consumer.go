// Package amqp provides the broker-side consumers of the synthesis core.
//
// A Consumer owns one AMQP 0-9-1 connection and channel, sets per-queue
// prefetch, and dispatches validated event payloads to a handler with
// explicit ack/nack control. Malformed deliveries are dead-lettered without
// redelivery. The consumer does not reconnect on its own; surfacing a lost
// connection to the supervisor is deliberate.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"

	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// Verdict is the acknowledgement decision a handler returns for a delivery.
type Verdict int

const (
	// VerdictAck acknowledges the message as processed.
	VerdictAck Verdict = iota
	// VerdictDrop rejects without requeue; the broker dead-letters it.
	VerdictDrop
	// VerdictRequeue rejects with requeue for a later redelivery.
	VerdictRequeue
)

func (v Verdict) String() string {
	switch v {
	case VerdictAck:
		return "ack"
	case VerdictDrop:
		return "drop"
	case VerdictRequeue:
		return "requeue"
	}
	return "unknown"
}

// HandleFunc processes one validated payload and returns the ack decision.
type HandleFunc func(ctx context.Context, p domain.EventPayload) Verdict

// Consumer is the abstract broker consumer shared by the event and
// interaction consumers.
type Consumer struct {
	name     string
	url      string
	queue    string
	prefetch int
	lg       *slog.Logger
	handle   HandleFunc
	validate *validator.Validate

	mu        sync.Mutex
	conn      *amqplib.Connection
	ch        *amqplib.Channel
	tag       string
	connected bool
	consuming bool
	shutdown  bool

	inflight  sync.WaitGroup
	processed atomic.Int64
	errored   atomic.Int64
}

// NewConsumer constructs a disconnected consumer for a named queue.
func NewConsumer(name, url, queue string, prefetch int, lg *slog.Logger, handle HandleFunc) *Consumer {
	if lg == nil {
		lg = slog.Default()
	}
	return &Consumer{
		name:     name,
		url:      url,
		queue:    queue,
		prefetch: prefetch,
		lg:       lg.With(slog.String("consumer", name), slog.String("queue", queue)),
		handle:   handle,
		validate: validator.New(),
	}
}

// Connect dials the broker, opens a channel with prefetch, and declares the
// durable queue with dead-letter routing.
func (c *Consumer) Connect(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdown {
		return fmt.Errorf("op=consumer.Connect name=%s: %w: consumer closed", c.name, domain.ErrConflict)
	}
	if c.connected {
		return nil
	}

	conn, err := amqplib.Dial(c.url)
	if err != nil {
		return fmt.Errorf("op=consumer.Connect name=%s: %w: %v", c.name, domain.ErrUnavailable, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("op=consumer.Connect name=%s channel: %w: %v", c.name, domain.ErrUnavailable, err)
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("op=consumer.Connect name=%s qos: %w: %v", c.name, domain.ErrUnavailable, err)
	}
	if _, err := ch.QueueDeclare(
		c.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		amqplib.Table{
			"x-dead-letter-exchange":    "dlx." + c.queue,
			"x-dead-letter-routing-key": c.queue + ".dlq",
		},
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("op=consumer.Connect name=%s declare: %w: %v", c.name, domain.ErrUnavailable, err)
	}

	// A close without prior shutdown is a fault worth loud logs; the
	// supervisor decides whether to restart the process.
	connClose := conn.NotifyClose(make(chan *amqplib.Error, 1))
	chClose := ch.NotifyClose(make(chan *amqplib.Error, 1))
	go c.watchClose(connClose, "connection")
	go c.watchClose(chClose, "channel")

	c.conn = conn
	c.ch = ch
	c.connected = true
	c.lg.Info("consumer connected", slog.Int("prefetch", c.prefetch))
	return nil
}

func (c *Consumer) watchClose(errs <-chan *amqplib.Error, what string) {
	err, ok := <-errs
	if !ok || err == nil {
		return
	}
	c.mu.Lock()
	expected := c.shutdown
	c.connected = false
	c.consuming = false
	c.mu.Unlock()
	if expected {
		return
	}
	c.lg.Error("unexpected broker close",
		slog.String("what", what),
		slog.Int("code", err.Code),
		slog.String("reason", err.Reason))
}

// StartConsuming subscribes to the queue and runs the dispatch loop until the
// subscription is cancelled or the channel closes.
func (c *Consumer) StartConsuming(ctx context.Context) error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return fmt.Errorf("op=consumer.StartConsuming name=%s: %w", c.name, domain.ErrNotConnected)
	}
	if c.consuming {
		c.mu.Unlock()
		return nil
	}
	c.tag = c.name + "-" + uuid.NewString()
	deliveries, err := c.ch.Consume(
		c.queue,
		c.tag,
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("op=consumer.StartConsuming name=%s: %w: %v", c.name, domain.ErrUnavailable, err)
	}
	c.consuming = true
	c.mu.Unlock()

	c.lg.Info("consumer subscribed", slog.String("tag", c.tag))
	go c.dispatchLoop(ctx, deliveries)
	return nil
}

// dispatchLoop processes deliveries serially; prefetch bounds what the broker
// may buffer ahead of it.
func (c *Consumer) dispatchLoop(ctx context.Context, deliveries <-chan amqplib.Delivery) {
	for d := range deliveries {
		c.dispatch(ctx, d)
	}
	c.mu.Lock()
	c.consuming = false
	c.mu.Unlock()
	c.lg.Info("dispatch loop exited")
}

// dispatch validates one delivery and applies the handler's verdict. A
// handler that observed cancellation gets no ack; the broker will redeliver.
func (c *Consumer) dispatch(ctx context.Context, d amqplib.Delivery) {
	c.inflight.Add(1)
	defer c.inflight.Done()

	tracer := otel.Tracer("queue.consumer")
	ctx, span := tracer.Start(ctx, "DispatchDelivery")
	defer span.End()

	var payload domain.EventPayload
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		c.lg.Warn("malformed delivery, dead-lettering",
			slog.Any("error", err),
			slog.Int("body_size", len(d.Body)))
		c.nack(d, false)
		c.errored.Add(1)
		observability.ConsumerMessagesTotal.WithLabelValues(c.name, "drop_malformed").Inc()
		return
	}
	if err := c.validate.Struct(payload); err != nil {
		// Valid JSON but invalid schema is dropped exactly like a parse
		// failure.
		c.lg.Warn("schema-invalid delivery, dead-lettering",
			slog.Any("error", err),
			slog.String("event_type", payload.EventType))
		c.nack(d, false)
		c.errored.Add(1)
		observability.ConsumerMessagesTotal.WithLabelValues(c.name, "drop_invalid").Inc()
		return
	}

	ctx = observability.ContextWithEventID(ctx, payload.EventID)
	ctx = observability.ContextWithLogger(ctx, c.lg.With(slog.String("event_id", payload.EventID)))
	verdict := c.safeHandle(ctx, payload)

	if ctx.Err() != nil && verdict != VerdictAck {
		// Cancelled mid-flight: leave the delivery unacked so the broker
		// redelivers after the channel closes.
		c.lg.Warn("handler cancelled, leaving delivery unacked",
			slog.String("event_id", payload.EventID))
		return
	}

	switch verdict {
	case VerdictAck:
		if err := d.Ack(false); err != nil {
			c.lg.Error("ack failed", slog.String("event_id", payload.EventID), slog.Any("error", err))
			return
		}
		c.processed.Add(1)
	case VerdictRequeue:
		c.nack(d, true)
		c.errored.Add(1)
	default:
		c.nack(d, false)
		c.errored.Add(1)
	}
	observability.ConsumerMessagesTotal.WithLabelValues(c.name, verdict.String()).Inc()
	c.lg.Debug("delivery handled",
		slog.String("event_id", payload.EventID),
		slog.String("event_type", payload.EventType),
		slog.String("verdict", verdict.String()))
}

// safeHandle shields the dispatch loop from handler panics; an unknown panic
// is dropped rather than requeued to avoid poison-pill loops.
func (c *Consumer) safeHandle(ctx context.Context, p domain.EventPayload) (verdict Verdict) {
	defer func() {
		if r := recover(); r != nil {
			c.lg.Error("handler panicked",
				slog.String("event_id", p.EventID),
				slog.Any("panic", r))
			verdict = VerdictDrop
		}
	}()
	return c.handle(ctx, p)
}

func (c *Consumer) nack(d amqplib.Delivery, requeue bool) {
	if err := d.Nack(false, requeue); err != nil {
		c.lg.Error("nack failed", slog.Bool("requeue", requeue), slog.Any("error", err))
	}
}

// StopConsuming cancels the subscription so no new deliveries arrive.
// In-flight work continues; Close waits for it.
func (c *Consumer) StopConsuming() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.consuming {
		return nil
	}
	if err := c.ch.Cancel(c.tag, false); err != nil {
		return fmt.Errorf("op=consumer.StopConsuming name=%s: %w: %v", c.name, domain.ErrUnavailable, err)
	}
	c.consuming = false
	c.lg.Info("subscription cancelled", slog.String("tag", c.tag))
	return nil
}

// Close waits for in-flight handlers, then closes the channel and the
// connection. The consumer is terminal afterwards.
func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	ch, conn := c.ch, c.conn
	c.mu.Unlock()

	c.inflight.Wait()

	var firstErr error
	if ch != nil {
		if err := ch.Close(); err != nil {
			firstErr = err
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.mu.Lock()
	c.connected = false
	c.consuming = false
	c.mu.Unlock()
	c.lg.Info("consumer closed")
	if firstErr != nil {
		return fmt.Errorf("op=consumer.Close name=%s: %w: %v", c.name, domain.ErrUnavailable, firstErr)
	}
	return nil
}

// Status reports lifecycle state and counters.
func (c *Consumer) Status() domain.ConsumerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConsumerStatus{
		Connected:         c.connected,
		Consuming:         c.consuming,
		MessagesProcessed: c.processed.Load(),
		MessagesErrored:   c.errored.Load(),
	}
}

// Name returns the consumer's name label.
func (c *Consumer) Name() string { return c.name }
