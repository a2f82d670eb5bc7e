package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"

	"github.com/communityforge/synthesis-core/internal/domain"
	"github.com/communityforge/synthesis-core/internal/observability"
)

// unknownErrorMaxAttempts caps retries for errors outside the taxonomy:
// retry once, then treat as permanent.
const unknownErrorMaxAttempts = 2

// worker reserves ready jobs and executes them until ctx is cancelled.
func (e *Engine) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	lg := e.lg.With(slog.Int("worker_id", id))
	lg.Debug("engine worker started")

	for {
		select {
		case <-ctx.Done():
			lg.Debug("engine worker stopping")
			return
		default:
		}

		now := time.Now()
		if !e.pickupAllowed(now) {
			sleepCtx(ctx, e.opts.PollInterval)
			continue
		}

		jobID, err := e.store.popReady(ctx, now)
		if err != nil {
			lg.Error("job reservation failed", slog.Any("error", err))
			sleepCtx(ctx, e.opts.PollInterval)
			continue
		}
		if jobID == "" {
			sleepCtx(ctx, e.opts.PollInterval)
			continue
		}

		rec, err := e.store.getRecord(ctx, jobID)
		if err != nil {
			lg.Error("reserved job vanished", slog.String("job_id", jobID), slog.Any("error", err))
			_ = e.store.rdb.ZRem(ctx, keyActive, jobID).Err()
			continue
		}

		started := time.Now()
		rec.State = domain.JobActive
		rec.AttemptsMade++
		rec.ProcessedAt = &started
		if err := e.store.putRecord(ctx, rec); err != nil {
			lg.Error("active transition write failed", slog.String("job_id", jobID), slog.Any("error", err))
		}

		e.executeAttempt(ctx, lg, rec)
	}
}

// executeAttempt runs one attempt of a reserved job: engine-local rate limit,
// global token, idempotency probe, the REST mutation, then the completion or
// retry transition.
func (e *Engine) executeAttempt(ctx context.Context, lg *slog.Logger, rec *domain.JobRecord) {
	tracer := otel.Tracer("engine.worker")
	ctx, span := tracer.Start(ctx, "ExecuteSynthesisJob")
	defer span.End()

	lg = lg.With(
		slog.String("job_id", rec.JobID),
		slog.String("type", string(rec.Job.Type)),
		slog.String("guild_id", rec.Job.GuildID),
		slog.Int("attempt", rec.AttemptsMade))

	// Cheap probe before spending limiter budget: a replayed key never
	// reaches the platform.
	if hit, err := e.kv.Exists(ctx, processedKey(rec.Job.IdempotencyKey)); err == nil && hit {
		observability.IdempotencyHitsTotal.Inc()
		lg.Info("idempotency hit before token acquisition, skipping side effect")
		e.complete(ctx, lg, rec)
		return
	}

	if err := e.opLimiter.Wait(ctx); err != nil {
		e.releaseOnCancel(lg, rec)
		return
	}
	if err := e.bucket.AcquireWait(ctx); err != nil {
		e.releaseOnCancel(lg, rec)
		return
	}

	// Second probe after the waits: another worker may have finished the
	// same key while this one was parked.
	hit, err := e.kv.Exists(ctx, processedKey(rec.Job.IdempotencyKey))
	if err != nil {
		// Fail open: a KV outage must not halt the queue. The platform's
		// keyed creates tolerate the rare duplicate.
		lg.Warn("idempotency probe failed, proceeding", slog.Any("error", err))
	}
	if hit {
		observability.IdempotencyHitsTotal.Inc()
		lg.Info("idempotency hit, skipping side effect")
		e.complete(ctx, lg, rec)
		return
	}
	observability.IdempotencyMissesTotal.Inc()

	res := e.dispatch(ctx, rec.Job)
	switch {
	case res.OK:
		if _, err := e.kv.SetNX(ctx, processedKey(rec.Job.IdempotencyKey), "1", e.opts.IdempotencyTTL); err != nil {
			lg.Warn("idempotency marker write failed", slog.Any("error", err))
		}
		e.complete(ctx, lg, rec)

	case res.RateLimited():
		e.rateLimitHits.Incr()
		e.platform429s.Incr()
		observability.Record429(string(rec.Job.Type), rec.Job.GuildID, res.Global)
		if res.Global {
			lg.Error("global rate limit from platform, halting pickups",
				slog.Duration("retry_after", res.RetryAfter))
			e.haltFor(res.RetryAfter)
		} else {
			lg.Warn("platform rate limit", slog.Duration("retry_after", res.RetryAfter))
		}
		e.retryOrFail(ctx, lg, rec, res.Err, res.RetryAfter)

	default:
		e.retryOrFail(ctx, lg, rec, res.Err, 0)
	}
}

// releaseOnCancel returns a job to the queue without charging the attempt
// when shutdown interrupts it before any side effect.
func (e *Engine) releaseOnCancel(lg *slog.Logger, rec *domain.JobRecord) {
	rec.AttemptsMade--
	rec.State = domain.JobWaiting
	rec.NotBefore = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.requeue(ctx, rec); err != nil {
		lg.Error("cancelled job requeue failed", slog.String("job_id", rec.JobID), slog.Any("error", err))
		return
	}
	lg.Info("job released back to queue on cancellation", slog.String("job_id", rec.JobID))
}

// complete marks a job terminally completed.
func (e *Engine) complete(ctx context.Context, lg *slog.Logger, rec *domain.JobRecord) {
	now := time.Now()
	rec.State = domain.JobCompleted
	rec.FinishedAt = &now
	if err := e.store.finish(ctx, rec, now); err != nil {
		lg.Error("completion write failed", slog.Any("error", err))
		return
	}
	observability.JobsCompletedTotal.WithLabelValues(string(rec.Job.Type)).Inc()
	lg.Info("job completed", slog.Int("attempts_made", rec.AttemptsMade))
}

// fail marks a job terminally failed with a reason label.
func (e *Engine) fail(ctx context.Context, lg *slog.Logger, rec *domain.JobRecord, reason string) {
	now := time.Now()
	rec.State = domain.JobFailed
	rec.FinishedAt = &now
	rec.FailedReason = reason
	if err := e.store.finish(ctx, rec, now); err != nil {
		lg.Error("failure write failed", slog.Any("error", err))
		return
	}
	observability.JobsFailedTotal.WithLabelValues(string(rec.Job.Type), reason).Inc()
	lg.Error("job failed terminally",
		slog.String("reason", reason),
		slog.Int("attempts_made", rec.AttemptsMade))
}

// retryOrFail schedules the next attempt with backoff, or fails the job when
// the error is permanent or the attempt budget is spent.
func (e *Engine) retryOrFail(ctx context.Context, lg *slog.Logger, rec *domain.JobRecord, cause error, retryAfter time.Duration) {
	reason := classifyReason(cause)

	maxAttempts := e.opts.MaxAttempts
	switch {
	case isPermanent(cause):
		e.fail(ctx, lg, rec, reason)
		return
	case !domain.IsTransient(cause):
		// Outside the taxonomy: one retry, then permanent.
		if maxAttempts > unknownErrorMaxAttempts {
			maxAttempts = unknownErrorMaxAttempts
		}
	}

	if rec.AttemptsMade >= maxAttempts {
		e.fail(ctx, lg, rec, reason)
		return
	}

	delay := e.backoffDelay(rec.AttemptsMade)
	if retryAfter > 0 {
		// Respect the platform's own schedule, jittered so mass retries
		// after a global 429 do not land together.
		floor := retryAfter + time.Duration(rand.Int63n(int64(e.opts.BackoffBase)+1))
		if floor > delay {
			delay = floor
		}
	}

	rec.State = domain.JobDelayed
	rec.NotBefore = time.Now().Add(delay)
	if err := e.store.requeue(ctx, rec); err != nil {
		lg.Error("retry requeue failed", slog.Any("error", err))
		e.fail(ctx, lg, rec, "requeue_failed")
		return
	}
	observability.JobsRetriedTotal.WithLabelValues(string(rec.Job.Type)).Inc()
	lg.Warn("attempt failed, retry scheduled",
		slog.String("reason", reason),
		slog.Duration("delay", delay),
		slog.Any("error", cause))
}

// backoffDelay computes the schedule for the next attempt after n made:
// base*2^(n-1) with full jitter, capped.
func (e *Engine) backoffDelay(attemptsMade int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.opts.BackoffBase
	bo.MaxInterval = e.opts.BackoffMax
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 1.0
	bo.MaxElapsedTime = 0

	var d time.Duration
	for i := 0; i < attemptsMade; i++ {
		d = bo.NextBackOff()
	}
	if d > e.opts.BackoffMax {
		d = e.opts.BackoffMax
	}
	if d < 0 {
		d = e.opts.BackoffBase
	}
	return d
}

// isPermanent reports errors the platform will keep answering the same way.
func isPermanent(err error) bool {
	return errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInvalidArgument)
}

func classifyReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, domain.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, domain.ErrUnavailable):
		return "unavailable"
	default:
		return "unknown"
	}
}

// dispatch decodes the tagged payload and performs the typed REST mutation.
func (e *Engine) dispatch(ctx context.Context, job domain.SynthesisJob) domain.CallResult {
	switch job.Type {
	case domain.JobCreateRole:
		var p domain.RolePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.CreateRole(ctx, job.GuildID, p)

	case domain.JobDeleteRole:
		var p domain.RolePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.DeleteRole(ctx, job.GuildID, p.RoleID)

	case domain.JobAssignRole:
		var p domain.RolePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.AssignRole(ctx, job.GuildID, p.UserID, p.RoleID)

	case domain.JobRemoveRole:
		var p domain.RolePayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.RemoveRole(ctx, job.GuildID, p.UserID, p.RoleID)

	case domain.JobCreateChannel:
		var p domain.ChannelPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.CreateChannel(ctx, job.GuildID, p)

	case domain.JobDeleteChannel:
		var p domain.ChannelPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.DeleteChannel(ctx, p.ChannelID)

	case domain.JobUpdatePermissions:
		var p domain.ChannelPayload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			return payloadErr(job.Type, err)
		}
		return e.chat.UpdateChannelPermissions(ctx, p.ChannelID, p.Overwrites)

	default:
		return domain.CallResult{Err: fmt.Errorf("op=engine.dispatch type=%s: %w", job.Type, domain.ErrInvalidArgument)}
	}
}

func payloadErr(t domain.JobType, err error) domain.CallResult {
	return domain.CallResult{Err: fmt.Errorf("op=engine.dispatch type=%s payload: %w: %v", t, domain.ErrInvalidArgument, err)}
}

// sleepCtx sleeps d or returns early on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
