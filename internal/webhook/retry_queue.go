package webhook

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RetryQueue hands deferred event ids to retry workers. Delivery is at least
// once; the processor tolerates repeats.
type RetryQueue interface {
	Enqueue(ctx context.Context, eventID string) error
	// Dequeue blocks up to wait and returns "" when nothing arrived.
	Dequeue(ctx context.Context, wait time.Duration) (string, error)
}

type RedisRetryQueue struct {
	client *redis.Client
	key    string
}

func NewRedisRetryQueue(client *redis.Client, key string) *RedisRetryQueue {
	if key == "" {
		key = "credit-ledger:webhook-retry"
	}
	return &RedisRetryQueue{client: client, key: key}
}

func (q *RedisRetryQueue) Enqueue(ctx context.Context, eventID string) error {
	if err := q.client.LPush(ctx, q.key, eventID).Err(); err != nil {
		return fmt.Errorf("failed to enqueue event %s: %w", eventID, err)
	}
	return nil
}

func (q *RedisRetryQueue) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := q.client.BRPop(ctx, wait, q.key).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to dequeue retry event: %w", err)
	}
	// BRPOP replies with [key, value]
	if len(res) != 2 {
		return "", nil
	}
	return res[1], nil
}

func (q *RedisRetryQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
