package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"paper-digest-bot/internal/domain"
)

// RedisRecommendationQueue реализует очередь задач на базе Redis lists.
// Используется как запасной вариант, когда RabbitMQ недоступен в окружении.
type RedisRecommendationQueue struct {
	client *redis.Client
	key    string
}

// NewRedisRecommendationQueue создаёт очередь по указанному ключу.
func NewRedisRecommendationQueue(client *redis.Client, key string) *RedisRecommendationQueue {
	return &RedisRecommendationQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisRecommendationQueue) Enqueue(ctx context.Context, job domain.RecommendationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди.
// Redis list не поддерживает подтверждения, поэтому ack всегда успешен.
func (q *RedisRecommendationQueue) Receive(ctx context.Context) (domain.RecommendationJob, domain.RecommendationAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.RecommendationJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.RecommendationJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.RecommendationJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.RecommendationJob{}, nil, errors.New("redis queue: unexpected response")
		}
		var job domain.RecommendationJob
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			return domain.RecommendationJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		return job, func(bool) error { return nil }, nil
	}
}
