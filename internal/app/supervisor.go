// Package app boots and supervises the process: dependency-ordered startup,
// concurrent consumer bring-up, the operational HTTP surface, and
// signal-driven graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/communityforge/synthesis-core/internal/adapter/chat/rest"
	kvredis "github.com/communityforge/synthesis-core/internal/adapter/kv/redis"
	queueamqp "github.com/communityforge/synthesis-core/internal/adapter/queue/amqp"
	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/engine"
	"github.com/communityforge/synthesis-core/internal/handlers"
	"github.com/communityforge/synthesis-core/internal/service/ratelimit"
)

// consumer is the lifecycle contract the supervisor drives.
type consumer interface {
	statusSource
	Connect(ctx context.Context) error
	StartConsuming(ctx context.Context) error
	StopConsuming() error
	Close() error
}

// Supervisor owns every long-lived component of the process.
type Supervisor struct {
	cfg       config.Config
	lg        *slog.Logger
	kv        *kvredis.Store
	eng       *engine.Engine
	consumers []consumer
	srv       *http.Server
}

// NewSupervisor wires the full dependency graph in boot order: KV, REST
// client, token bucket plus engine, then the consumers on top.
func NewSupervisor(cfg config.Config, lg *slog.Logger) (*Supervisor, error) {
	if lg == nil {
		lg = slog.Default()
	}

	kv, err := kvredis.New(cfg.KVURL)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewSupervisor kv: %w", err)
	}

	chat := rest.New(cfg)
	bucket := ratelimit.New(cfg.BucketCapacity, cfg.BucketRefillRate)
	eng := engine.New(kv.Client(), kv, chat, bucket, lg, engine.OptionsFromConfig(cfg))

	deps := handlers.Deps{Synth: eng, Chat: chat, KV: kv, Stats: eng, Log: lg}
	events := queueamqp.NewEventConsumer(
		cfg.BrokerURL, cfg.EventQueue, cfg.EventPrefetch,
		kv, handlers.EventRegistry(deps), cfg.IdempotencyTTL, lg)
	interactions := queueamqp.NewInteractionConsumer(
		cfg.BrokerURL, cfg.InteractionQueue, cfg.InteractionPrefetch,
		chat, handlers.CommandRegistry(deps), lg)

	s := &Supervisor{
		cfg:       cfg,
		lg:        lg.With(slog.String("component", "supervisor")),
		kv:        kv,
		eng:       eng,
		consumers: []consumer{events, interactions},
	}

	hh := &healthHandler{
		consumers:   []statusSource{events, interactions},
		kv:          kv,
		eng:         eng,
		thresholdMB: cfg.MemoryThresholdMB,
		startedAt:   time.Now(),
		lg:          lg,
	}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HealthPort),
		Handler:           newOpsRouter(cfg, hh),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run boots everything and blocks until SIGTERM/SIGINT, then drains and
// shuts down. A nil return means a clean exit.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := s.pingKV(ctx); err != nil {
		return err
	}
	if err := s.eng.Start(ctx); err != nil {
		return fmt.Errorf("op=app.Run engine: %w", err)
	}
	if err := s.connectConsumers(ctx); err != nil {
		return err
	}
	if err := s.startConsumers(ctx); err != nil {
		return err
	}

	go func() {
		s.lg.Info("ops server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.lg.Error("ops server failed", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	s.lg.Info("shutdown signal received")
	return s.shutdown()
}

// pingKV retries the first KV contact so a slow-starting Redis does not kill
// the pod on boot.
func (s *Supervisor) pingKV(ctx context.Context) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error { return s.kv.Ping(ctx) }, policy); err != nil {
		return fmt.Errorf("op=app.Run kv ping: %w", err)
	}
	s.lg.Info("kv store reachable")
	return nil
}

func (s *Supervisor) connectConsumers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		c := c
		g.Go(func() error {
			policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), gctx)
			if err := backoff.Retry(func() error { return c.Connect(gctx) }, policy); err != nil {
				return fmt.Errorf("op=app.Run connect %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) startConsumers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		c := c
		g.Go(func() error {
			if err := c.StartConsuming(gctx); err != nil {
				return fmt.Errorf("op=app.Run consume %s: %w", c.Name(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

// shutdown drains in dependency-reverse order: stop intake, pause the
// engine, close the ops server, then tear down connections.
func (s *Supervisor) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	for _, c := range s.consumers {
		if err := c.StopConsuming(); err != nil {
			s.lg.Warn("stop consuming failed", slog.String("consumer", c.Name()), slog.Any("error", err))
		}
	}
	s.eng.Pause()

	if err := s.srv.Shutdown(ctx); err != nil {
		s.lg.Warn("ops server shutdown failed", slog.Any("error", err))
	}

	for _, c := range s.consumers {
		if err := c.Close(); err != nil {
			s.lg.Warn("consumer close failed", slog.String("consumer", c.Name()), slog.Any("error", err))
		}
	}
	if err := s.eng.Close(); err != nil {
		s.lg.Warn("engine close failed", slog.Any("error", err))
	}
	if err := s.kv.Client().Close(); err != nil {
		s.lg.Warn("kv close failed", slog.Any("error", err))
	}
	s.lg.Info("shutdown complete")
	return nil
}
