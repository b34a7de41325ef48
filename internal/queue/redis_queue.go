package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wake-dispatch/internal/config"
)

// RedisQueue holds the execution ids that are ready to be invoked, the durable timers of
// sleeping executions, and the leases of executions being invoked.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient uses an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 2 * time.Minute
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "wake:dlq"
	}
	return &RedisQueue{
		client:        client,
		readyKey:      "wake:ready",
		inflightKey:   "wake:inflight",
		scheduledKey:  "wake:timers",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Client exposes the underlying Redis client.
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Enqueue makes an execution ready now, or arms a timer when runAt is in the future.
func (q *RedisQueue) Enqueue(ctx context.Context, executionID string, runAt time.Time) error {
	if runAt.After(time.Now()) {
		return q.Schedule(ctx, executionID, runAt)
	}
	return q.client.RPush(ctx, q.readyKey, executionID).Err()
}

// Schedule arms the durable timer of an execution. An execution has at most one timer;
// scheduling again moves it.
func (q *RedisQueue) Schedule(ctx context.Context, executionID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: executionID}).Err()
}

// PromoteScheduled moves executions whose timers are due into the ready list. It
// returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	res, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey, q.readyKey}, now.UnixMilli(), limit).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected type from promote script: %T", res)
	}
	return int(n), nil
}

// DequeueWithLease pops a ready execution and places it into inflight with a
// visibility timeout.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	executionID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return executionID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight execution. A lease
// that was already acked or reclaimed is not recreated.
func (q *RedisQueue) ExtendLease(ctx context.Context, executionID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: executionID,
	}).Err()
}

// Ack removes an execution from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, executionID string) error {
	return q.client.ZRem(ctx, q.inflightKey, executionID).Err()
}

// RequeueExpired reclaims leases that timed out, making the executions ready again.
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

// TimerAt returns when the execution's timer fires, or false when none is armed.
func (q *RedisQueue) TimerAt(ctx context.Context, executionID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.scheduledKey, executionID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// DLQPush appends a failed execution for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, executionID string) error {
	return q.client.RPush(ctx, q.dlqKey, executionID).Err()
}

// DLQPeek reads the oldest dead-lettered execution ids.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

var dequeueScript = redis.NewScript(`
local id = redis.call('LPOP', KEYS[1])
if id then
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  return id
end
return nil
`)
