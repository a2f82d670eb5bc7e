package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/communityforge/synthesis-core/internal/config"
	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// Options tune the engine. Zero values fall back to the documented defaults.
type Options struct {
	Concurrency       int
	RateLimitMax      int // engine-local actions per second, in addition to the global bucket
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	RemoveCompleteAge time.Duration
	RemoveFailAge     time.Duration
	StuckActiveAge    time.Duration
	IdempotencyTTL    time.Duration
	PollInterval      time.Duration
	JanitorInterval   time.Duration
}

// OptionsFromConfig maps engine configuration onto Options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:       cfg.EngineConcurrency,
		RateLimitMax:      cfg.EngineRateLimitMax,
		MaxAttempts:       cfg.EngineMaxAttempts,
		BackoffBase:       cfg.EngineBackoffBase,
		BackoffMax:        cfg.EngineBackoffMax,
		RemoveCompleteAge: cfg.EngineRemoveCompleteAge,
		RemoveFailAge:     cfg.EngineRemoveFailAge,
		StuckActiveAge:    cfg.EngineStuckActiveAge,
		IdempotencyTTL:    cfg.IdempotencyTTL,
	}
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.RateLimitMax <= 0 {
		o.RateLimitMax = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	if o.RemoveCompleteAge <= 0 {
		o.RemoveCompleteAge = time.Hour
	}
	if o.RemoveFailAge <= 0 {
		o.RemoveFailAge = 24 * time.Hour
	}
	if o.StuckActiveAge <= 0 {
		o.StuckActiveAge = 10 * time.Minute
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 24 * time.Hour
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
	return o
}

// Engine drains the durable synthesis queue through the global token bucket
// against the chat platform, recording idempotency in the KV store.
type Engine struct {
	opts   Options
	store  *storage
	kv     domain.KVStore
	chat   domain.ChatClient
	bucket domain.TokenBucket
	lg     *slog.Logger

	// opLimiter protects the external API independently of the global
	// bucket: at most RateLimitMax actions per second across the pool.
	opLimiter *rate.Limiter

	rateLimitHits *rollingWindow
	platform429s  *rollingWindow

	mu        sync.Mutex
	paused    bool
	haltUntil time.Time
	started   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an Engine sharing the given Redis client, KV store, chat
// client, and the process-wide token bucket.
func New(rdb *redis.Client, kv domain.KVStore, chat domain.ChatClient, bucket domain.TokenBucket, lg *slog.Logger, opts Options) *Engine {
	opts = opts.withDefaults()
	if lg == nil {
		lg = slog.Default()
	}
	return &Engine{
		opts:          opts,
		store:         newStorage(rdb),
		kv:            kv,
		chat:          chat,
		bucket:        bucket,
		lg:            lg.With(slog.String("component", "engine")),
		opLimiter:     rate.NewLimiter(rate.Limit(opts.RateLimitMax), opts.RateLimitMax),
		rateLimitHits: newRollingWindow(),
		platform429s:  newRollingWindow(),
	}
}

// Start launches the worker pool, the janitor, and the gauge refresher.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("op=engine.Start: %w: already started", domain.ErrConflict)
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.lg.Info("starting synthesis engine",
		slog.Int("concurrency", e.opts.Concurrency),
		slog.Int("rate_limit_max", e.opts.RateLimitMax),
		slog.Int("max_attempts", e.opts.MaxAttempts))

	for i := 0; i < e.opts.Concurrency; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.wg.Add(1)
	go e.janitor(ctx)
	return nil
}

// Pause stops workers from picking up new jobs; in-flight jobs finish.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.lg.Info("engine paused")
}

// Resume re-enables job pickup.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.lg.Info("engine resumed")
}

// Close stops the pool and waits for in-flight work to settle.
func (e *Engine) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.lg.Info("engine closed")
	return nil
}

// pickupAllowed reports whether workers may reserve new jobs right now.
func (e *Engine) pickupAllowed(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.paused && !now.Before(e.haltUntil)
}

// haltFor suspends pickups until d elapses; used on global 429s.
func (e *Engine) haltFor(d time.Duration) {
	until := time.Now().Add(d)
	e.mu.Lock()
	if until.After(e.haltUntil) {
		e.haltUntil = until
	}
	e.mu.Unlock()
}

func processedKey(idempotencyKey string) string {
	return "synthesis:processed:" + idempotencyKey
}

// Enqueue persists a job and returns its id immediately.
func (e *Engine) Enqueue(ctx context.Context, job domain.SynthesisJob, opts domain.EnqueueOptions) (string, error) {
	if !domain.KnownJobType(job.Type) {
		return "", fmt.Errorf("op=engine.Enqueue type=%s: %w", job.Type, domain.ErrInvalidArgument)
	}
	if job.GuildID == "" || job.IdempotencyKey == "" {
		return "", fmt.Errorf("op=engine.Enqueue: guild id and idempotency key required: %w", domain.ErrInvalidArgument)
	}

	now := time.Now()
	rec := &domain.JobRecord{
		JobID:     ulid.Make().String(),
		Job:       job,
		Priority:  opts.Priority,
		State:     domain.JobWaiting,
		NotBefore: now,
		CreatedAt: now,
	}
	if opts.Delay > 0 {
		rec.State = domain.JobDelayed
		rec.NotBefore = now.Add(opts.Delay)
	}
	if err := e.store.enqueue(ctx, rec); err != nil {
		return "", err
	}
	observability.JobsEnqueuedTotal.WithLabelValues(string(job.Type)).Inc()
	lg := e.lg
	if eventID := observability.EventIDFromContext(ctx); eventID != "" {
		// Consumers tag the context with the delivery's event id; carrying it
		// here correlates the job with the event that produced it.
		lg = lg.With(slog.String("event_id", eventID))
	}
	lg.Debug("job enqueued",
		slog.String("job_id", rec.JobID),
		slog.String("type", string(job.Type)),
		slog.String("guild_id", job.GuildID),
		slog.String("idempotency_key", job.IdempotencyKey),
		slog.Duration("delay", opts.Delay))
	return rec.JobID, nil
}

// batchStagger spaces manifest jobs apart to smooth provisioning bursts.
const batchStagger = 100 * time.Millisecond

// EnqueueBatch expands a declarative manifest into a staggered job sequence.
func (e *Engine) EnqueueBatch(ctx context.Context, communityID, guildID string, manifest domain.ProvisionManifest) (domain.BatchResult, error) {
	jobs, err := ExpandManifest(communityID, guildID, manifest)
	if err != nil {
		return domain.BatchResult{}, err
	}
	res := domain.BatchResult{JobIDs: make([]string, 0, len(jobs))}
	for i, job := range jobs {
		id, err := e.Enqueue(ctx, job, domain.EnqueueOptions{Delay: time.Duration(i) * batchStagger})
		if err != nil {
			return res, fmt.Errorf("op=engine.EnqueueBatch index=%d: %w", i, err)
		}
		res.JobIDs = append(res.JobIDs, id)
		res.Count++
	}
	e.lg.Info("manifest expanded",
		slog.String("community_id", communityID),
		slog.String("guild_id", guildID),
		slog.Int("jobs", res.Count))
	return res, nil
}

// GetJob returns the durable record for a job id.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	return e.store.getRecord(ctx, jobID)
}

// GetJobsByCommunity lists a community's jobs, optionally filtered by state.
func (e *Engine) GetJobsByCommunity(ctx context.Context, communityID string, state domain.JobState) ([]domain.JobRecord, error) {
	return e.store.byCommunity(ctx, communityID, state)
}

// CancelJob removes a waiting or delayed job from the queue. Active and
// terminal jobs cannot be cancelled.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	rec, err := e.store.getRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.State == domain.JobActive || rec.State.Terminal() {
		return fmt.Errorf("op=engine.CancelJob job=%s state=%s: %w", jobID, rec.State, domain.ErrConflict)
	}
	removed, err := e.store.removeFromPending(ctx, jobID)
	if err != nil {
		return err
	}
	if !removed {
		// A worker reserved it between the read and the removal.
		return fmt.Errorf("op=engine.CancelJob job=%s: %w", jobID, domain.ErrConflict)
	}
	if err := e.store.rdb.Del(ctx, keyJob+jobID).Err(); err != nil {
		return fmt.Errorf("op=engine.CancelJob job=%s: %w: %v", jobID, domain.ErrUnavailable, err)
	}
	e.lg.Info("job cancelled", slog.String("job_id", jobID))
	return nil
}

// RetryJob re-enqueues a terminally failed job with a fresh attempt budget.
func (e *Engine) RetryJob(ctx context.Context, jobID string) error {
	rec, err := e.store.getRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if rec.State != domain.JobFailed {
		return fmt.Errorf("op=engine.RetryJob job=%s state=%s: %w", jobID, rec.State, domain.ErrConflict)
	}
	rec.State = domain.JobWaiting
	rec.AttemptsMade = 0
	rec.FailedReason = ""
	rec.FinishedAt = nil
	rec.NotBefore = time.Now()
	pipe := e.store.rdb.TxPipeline()
	pipe.ZRem(ctx, keyFailed, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=engine.RetryJob job=%s: %w: %v", jobID, domain.ErrUnavailable, err)
	}
	if err := e.store.enqueue(ctx, rec); err != nil {
		return err
	}
	e.lg.Info("job re-enqueued", slog.String("job_id", jobID))
	return nil
}

// IsProcessed probes the idempotency marker for a key.
func (e *Engine) IsProcessed(ctx context.Context, idempotencyKey string) (bool, error) {
	return e.kv.Exists(ctx, processedKey(idempotencyKey))
}

// Stats returns queue counts, bucket status, and the rolling 429 counters.
func (e *Engine) Stats(ctx context.Context) (domain.EngineStats, error) {
	counts, err := e.store.counts(ctx, time.Now())
	if err != nil {
		return domain.EngineStats{}, err
	}
	for state, n := range counts {
		observability.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
	}
	e.mu.Lock()
	paused := e.paused || time.Now().Before(e.haltUntil)
	e.mu.Unlock()
	return domain.EngineStats{
		Counts:                counts,
		Bucket:                e.bucket.Status(),
		RateLimitHitsLastHour: e.rateLimitHits.Sum(),
		Platform429LastHour:   e.platform429s.Sum(),
		Paused:                paused,
	}, nil
}

// janitor trims aged terminal records and rescues stuck active jobs.
func (e *Engine) janitor(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		if n, err := e.store.trimAged(ctx, now, e.opts.RemoveCompleteAge, e.opts.RemoveFailAge); err != nil {
			e.lg.Error("retention trim failed", slog.Any("error", err))
		} else if n > 0 {
			e.lg.Info("trimmed aged job records", slog.Int("count", n))
		}

		ids, err := e.store.stuckActive(ctx, now, e.opts.StuckActiveAge)
		if err != nil {
			e.lg.Error("stuck job scan failed", slog.Any("error", err))
			continue
		}
		for _, id := range ids {
			rec, err := e.store.getRecord(ctx, id)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) {
					e.lg.Error("stuck job load failed", slog.String("job_id", id), slog.Any("error", err))
				}
				_ = e.store.rdb.ZRem(ctx, keyActive, id).Err()
				continue
			}
			rec.State = domain.JobWaiting
			rec.NotBefore = now
			if err := e.store.requeue(ctx, rec); err != nil {
				e.lg.Error("stuck job requeue failed", slog.String("job_id", id), slog.Any("error", err))
				continue
			}
			e.lg.Warn("requeued stuck active job",
				slog.String("job_id", id),
				slog.Int("attempts_made", rec.AttemptsMade))
		}

		if counts, err := e.store.counts(ctx, now); err == nil {
			for state, n := range counts {
				observability.QueueDepth.WithLabelValues(string(state)).Set(float64(n))
			}
		}
	}
}
