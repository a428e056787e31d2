package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"deckforge/internal/config"
)

// RedisQueue coordinates the ready, in-flight, and scheduled job sets in
// Redis, plus the per-job execution locks that keep two workers off the
// same job.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	lockPrefix    string
	visibilityTTL time.Duration
	lockTTL       time.Duration
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.VisibilityTimeout, cfg.JobLockTTL)
}

// NewWithClient wraps an existing Redis client, used by tests with miniredis.
func NewWithClient(client *redis.Client, visibility, lockTTL time.Duration) *RedisQueue {
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	if lockTTL == 0 {
		lockTTL = 2 * time.Minute
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "deck:ready",
		inflightKey:   "deck:inflight",
		scheduledKey:  "deck:scheduled",
		lockPrefix:    "deck:lock:",
		visibilityTTL: visibility,
		lockTTL:       lockTTL,
	}
}

func (q *RedisQueue) lockKey(jobID string) string {
	return q.lockPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
			Score:  float64(runAt.UnixMilli()),
			Member: jobID,
		}).Err()
	}
	return q.client.RPush(ctx, q.readyKey, jobID).Err()
}

// Schedule moves a job into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: jobID,
	}).Err()
}

// PromoteScheduled moves due scheduled jobs into the ready queue. It returns
// how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the ready queue and places it into
// inflight with a visibility timeout. Empty string means nothing was ready.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Remove drops a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Remove(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.readyKey, 0, jobID)
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadyDepth returns the length of the ready queue.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InflightDepth returns how many jobs hold active leases.
func (q *RedisQueue) InflightDepth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

// AcquireLock takes the per-job execution lock. The returned token must be
// presented to release or extend it.
func (q *RedisQueue) AcquireLock(ctx context.Context, jobID, token string) (bool, error) {
	return q.client.SetNX(ctx, q.lockKey(jobID), token, q.lockTTL).Result()
}

// ReleaseLock frees the lock only if the token still owns it.
func (q *RedisQueue) ReleaseLock(ctx context.Context, jobID, token string) error {
	return releaseScript.Run(ctx, q.client, []string{q.lockKey(jobID)}, token).Err()
}

// ExtendLock refreshes the lock TTL while a stage is still running.
func (q *RedisQueue) ExtendLock(ctx context.Context, jobID, token string) error {
	return extendScript.Run(ctx, q.client,
		[]string{q.lockKey(jobID)}, token, q.lockTTL.Milliseconds()).Err()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
