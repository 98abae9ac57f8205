// Package worker runs export invocations out of Redis: a ready list of
// payloads, a sorted set of delayed ones, and a per-job lease so one job
// never runs in two places at once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/record-exporter/internal/job"
	"github.com/redis/go-redis/v9"
)

const (
	defaultReadyKey   = "exports:invocations:ready"
	defaultDelayedKey = "exports:invocations:delayed"

	// promoteBatch caps how many due payloads one promotion moves
	promoteBatch = 100
)

// Invocation is a queued payload plus its delivery metadata
type Invocation struct {
	ID         string      `json:"id"`
	Payload    job.Payload `json:"payload"`
	EnqueuedAt time.Time   `json:"enqueuedAt"`
}

// promoteScript moves due members of the delayed set to the ready list atomically
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisInvoker is the continuation transport between invocations
type RedisInvoker struct {
	client     *redis.Client
	readyKey   string
	delayedKey string
	now        func() time.Time
}

// NewRedisInvoker creates an invoker on the default queue keys
func NewRedisInvoker(client *redis.Client) *RedisInvoker {
	return &RedisInvoker{
		client:     client,
		readyKey:   defaultReadyKey,
		delayedKey: defaultDelayedKey,
		now:        time.Now,
	}
}

// Invoke queues payload. A positive delay parks it in the delayed set until
// a promotion finds it due.
func (i *RedisInvoker) Invoke(ctx context.Context, payload job.Payload, delay time.Duration) error {
	now := i.now()
	data, err := json.Marshal(Invocation{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: now.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode invocation: %w", err)
	}

	if delay <= 0 {
		if err := i.client.LPush(ctx, i.readyKey, data).Err(); err != nil {
			return fmt.Errorf("failed to enqueue invocation: %w", err)
		}
		return nil
	}

	due := float64(now.Add(delay).UnixMilli())
	if err := i.client.ZAdd(ctx, i.delayedKey, redis.Z{Score: due, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to schedule invocation: %w", err)
	}
	return nil
}

// Next blocks up to timeout for a ready invocation. It returns nil, nil when none arrived.
func (i *RedisInvoker) Next(ctx context.Context, timeout time.Duration) (*Invocation, error) {
	res, err := i.client.BRPop(ctx, timeout, i.readyKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue invocation: %w", err)
	}

	// BRPOP replies with [key, value]
	var inv Invocation
	if err := json.Unmarshal([]byte(res[1]), &inv); err != nil {
		return nil, fmt.Errorf("failed to decode invocation: %w", err)
	}
	return &inv, nil
}

// PromoteDue moves delayed invocations whose time has come to the ready list
func (i *RedisInvoker) PromoteDue(ctx context.Context) (int, error) {
	now := i.now().UnixMilli()
	moved, err := promoteScript.Run(ctx, i.client, []string{i.delayedKey, i.readyKey}, now, promoteBatch).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed invocations: %w", err)
	}
	return moved, nil
}

// QueueDepth reports the number of ready and delayed invocations
func (i *RedisInvoker) QueueDepth(ctx context.Context) (ready, delayed int64, err error) {
	pipe := i.client.Pipeline()
	readyCmd := pipe.LLen(ctx, i.readyKey)
	delayedCmd := pipe.ZCard(ctx, i.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return readyCmd.Val(), delayedCmd.Val(), nil
}
