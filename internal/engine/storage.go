// Package engine implements the durable synthesis job queue: persistence,
// worker pool, rate limiting, retry with backoff, and operational stats.
//
// Jobs are durable in Redis: the record body lives under synthesis:job:<id>,
// readiness ordering in the synthesis:pending sorted set, and terminal states
// in age-trimmed sorted sets. A Lua script pops the next ready member
// atomically so concurrent workers never double-reserve.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/communityforge/synthesis-core/internal/domain"
)

const (
	keyJob       = "synthesis:job:"
	keyPending   = "synthesis:pending"
	keyActive    = "synthesis:active"
	keyCompleted = "synthesis:completed"
	keyFailed    = "synthesis:failed"
	keyCommunity = "synthesis:community:"

	// priorityBias folds advisory priority into the low digits of the
	// readiness score, so the pop script can recover it without loading the
	// record body.
	priorityBias = 1000

	// popScanLimit bounds how many ready members the pop script inspects when
	// choosing the highest-priority one.
	popScanLimit = 64
)

// popReadyScript atomically reserves the next job, moving it from pending to
// active. It scans up to popScanLimit members whose readiness has elapsed and
// picks the highest-priority one (lowest score remainder mod priorityBias);
// readiness time only breaks priority ties.
var popReadyScript = redis.NewScript(`
local cands = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "WITHSCORES", "LIMIT", 0, tonumber(ARGV[3]))
if #cands == 0 then
  return false
end
local bias = tonumber(ARGV[4])
local best = cands[1]
local bestTail = math.fmod(tonumber(cands[2]), bias)
for i = 3, #cands, 2 do
  local tail = math.fmod(tonumber(cands[i+1]), bias)
  if tail < bestTail then
    best = cands[i]
    bestTail = tail
  end
end
redis.call("ZREM", KEYS[1], best)
redis.call("ZADD", KEYS[2], ARGV[2], best)
return best
`)

type storage struct {
	rdb *redis.Client
}

func newStorage(rdb *redis.Client) *storage { return &storage{rdb: rdb} }

// pendingScore encodes a pending member's score: the integer part (times
// priorityBias) is the readiness instant, the remainder mod priorityBias is
// the inverted priority. Delayed jobs stay beyond the readiness horizon; the
// pop script re-orders the ready ones by priority.
func pendingScore(notBefore time.Time, priority int) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority >= priorityBias {
		priority = priorityBias - 1
	}
	return float64(notBefore.UnixMilli())*priorityBias + float64(priorityBias-1-priority)
}

func (s *storage) putRecord(ctx context.Context, rec *domain.JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=engine.putRecord: %w: %v", domain.ErrInternal, err)
	}
	if err := s.rdb.Set(ctx, keyJob+rec.JobID, b, 0).Err(); err != nil {
		return fmt.Errorf("op=engine.putRecord job=%s: %w: %v", rec.JobID, domain.ErrUnavailable, err)
	}
	return nil
}

func (s *storage) getRecord(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	raw, err := s.rdb.Get(ctx, keyJob+jobID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("op=engine.getRecord job=%s: %w", jobID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("op=engine.getRecord job=%s: %w: %v", jobID, domain.ErrUnavailable, err)
	}
	var rec domain.JobRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("op=engine.getRecord job=%s: %w: %v", jobID, domain.ErrInternal, err)
	}
	return &rec, nil
}

// enqueue persists the record and adds it to the pending set and community
// index in one transaction.
func (s *storage) enqueue(ctx context.Context, rec *domain.JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=engine.enqueue: %w: %v", domain.ErrInternal, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyJob+rec.JobID, b, 0)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: pendingScore(rec.NotBefore, rec.Priority), Member: rec.JobID})
	if rec.Job.CommunityID != "" {
		pipe.SAdd(ctx, keyCommunity+rec.Job.CommunityID, rec.JobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=engine.enqueue job=%s: %w: %v", rec.JobID, domain.ErrUnavailable, err)
	}
	return nil
}

// popReady reserves the highest-priority ready job id, or returns "" when
// none is due.
func (s *storage) popReady(ctx context.Context, now time.Time) (string, error) {
	maxScore := pendingScore(now, 0)
	res, err := popReadyScript.Run(ctx, s.rdb,
		[]string{keyPending, keyActive},
		fmt.Sprintf("%f", maxScore), now.UnixMilli(), popScanLimit, priorityBias).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("op=engine.popReady: %w: %v", domain.ErrUnavailable, err)
	}
	id, _ := res.(string)
	return id, nil
}

// finish moves a job out of the active set into a terminal sorted set.
func (s *storage) finish(ctx context.Context, rec *domain.JobRecord, finishedAt time.Time) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=engine.finish: %w: %v", domain.ErrInternal, err)
	}
	terminal := keyCompleted
	if rec.State == domain.JobFailed {
		terminal = keyFailed
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyJob+rec.JobID, b, 0)
	pipe.ZRem(ctx, keyActive, rec.JobID)
	pipe.ZAdd(ctx, terminal, redis.Z{Score: float64(finishedAt.UnixMilli()), Member: rec.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=engine.finish job=%s: %w: %v", rec.JobID, domain.ErrUnavailable, err)
	}
	return nil
}

// requeue returns an active job to the pending set for a later attempt.
func (s *storage) requeue(ctx context.Context, rec *domain.JobRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("op=engine.requeue: %w: %v", domain.ErrInternal, err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyJob+rec.JobID, b, 0)
	pipe.ZRem(ctx, keyActive, rec.JobID)
	pipe.ZAdd(ctx, keyPending, redis.Z{Score: pendingScore(rec.NotBefore, rec.Priority), Member: rec.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=engine.requeue job=%s: %w: %v", rec.JobID, domain.ErrUnavailable, err)
	}
	return nil
}

// removeFromPending drops a job id from the pending set; reports whether the
// member was present (used by cancellation).
func (s *storage) removeFromPending(ctx context.Context, jobID string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, keyPending, jobID).Result()
	if err != nil {
		return false, fmt.Errorf("op=engine.removeFromPending job=%s: %w: %v", jobID, domain.ErrUnavailable, err)
	}
	return n > 0, nil
}

// counts returns queue depth per state. Waiting and delayed are derived from
// the pending set split at the current readiness horizon.
func (s *storage) counts(ctx context.Context, now time.Time) (map[domain.JobState]int64, error) {
	horizon := fmt.Sprintf("%f", pendingScore(now, 0))
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCount(ctx, keyPending, "-inf", horizon)
	delayed := pipe.ZCount(ctx, keyPending, "("+horizon, "+inf")
	active := pipe.ZCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("op=engine.counts: %w: %v", domain.ErrUnavailable, err)
	}
	return map[domain.JobState]int64{
		domain.JobWaiting:   waiting.Val(),
		domain.JobDelayed:   delayed.Val(),
		domain.JobActive:    active.Val(),
		domain.JobCompleted: completed.Val(),
		domain.JobFailed:    failed.Val(),
	}, nil
}

// byCommunity loads the records indexed for a community, optionally filtered
// by state.
func (s *storage) byCommunity(ctx context.Context, communityID string, state domain.JobState) ([]domain.JobRecord, error) {
	ids, err := s.rdb.SMembers(ctx, keyCommunity+communityID).Result()
	if err != nil {
		return nil, fmt.Errorf("op=engine.byCommunity community=%s: %w: %v", communityID, domain.ErrUnavailable, err)
	}
	out := make([]domain.JobRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// Trimmed by retention; drop the stale index entry.
			_ = s.rdb.SRem(ctx, keyCommunity+communityID, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		if state != "" && rec.State != state {
			continue
		}
		out = append(out, *rec)
	}
	return out, nil
}

// trimAged discards terminal records older than the retention ages.
func (s *storage) trimAged(ctx context.Context, now time.Time, completedAge, failedAge time.Duration) (int, error) {
	trimmed := 0
	for _, t := range []struct {
		key string
		age time.Duration
	}{
		{keyCompleted, completedAge},
		{keyFailed, failedAge},
	} {
		cutoff := fmt.Sprintf("%d", now.Add(-t.age).UnixMilli())
		ids, err := s.rdb.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return trimmed, fmt.Errorf("op=engine.trimAged: %w: %v", domain.ErrUnavailable, err)
		}
		if len(ids) == 0 {
			continue
		}
		pipe := s.rdb.TxPipeline()
		for _, id := range ids {
			pipe.Del(ctx, keyJob+id)
		}
		pipe.ZRemRangeByScore(ctx, t.key, "-inf", cutoff)
		if _, err := pipe.Exec(ctx); err != nil {
			return trimmed, fmt.Errorf("op=engine.trimAged: %w: %v", domain.ErrUnavailable, err)
		}
		trimmed += len(ids)
	}
	return trimmed, nil
}

// stuckActive returns ids of jobs that have been active longer than maxAge,
// e.g. because the worker holding them crashed mid-flight.
func (s *storage) stuckActive(ctx context.Context, now time.Time, maxAge time.Duration) ([]string, error) {
	cutoff := fmt.Sprintf("%d", now.Add(-maxAge).UnixMilli())
	ids, err := s.rdb.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return nil, fmt.Errorf("op=engine.stuckActive: %w: %v", domain.ErrUnavailable, err)
	}
	return ids, nil
}
