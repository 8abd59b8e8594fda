package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const itemTTL = 24 * time.Hour

// RedisQueue keeps items as JSON strings and per-job lists of item IDs.
type RedisQueue struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisQueue(client redis.UniversalClient, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "reviewci"
	}
	return &RedisQueue{redis: client, prefix: prefix}
}

func NewRedisQueueFromURL(ctx context.Context, redisURL, prefix string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisQueue(client, prefix), nil
}

func (q *RedisQueue) itemKey(id string) string {
	return fmt.Sprintf("%s:item:%s", q.prefix, id)
}

func (q *RedisQueue) queueKey(job string) string {
	return fmt.Sprintf("%s:queue:%s", q.prefix, job)
}

func (q *RedisQueue) Enqueue(ctx context.Context, item *Item) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	item.CreatedAt = time.Now().Unix()
	item.Status = StatusPending

	data, err := json.Marshal(item)
	if err != nil {
		return err
	}

	_, err = q.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.itemKey(item.ID), data, itemTTL)
		pipe.RPush(ctx, q.queueKey(item.Job), item.ID)
		return nil
	})
	return err
}

func (q *RedisQueue) Dequeue(ctx context.Context, job string, wait time.Duration) (*Item, error) {
	result, err := q.redis.BLPop(ctx, wait, q.queueKey(job)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	item, err := q.Get(ctx, result[1])
	if err != nil {
		return nil, err
	}

	item.Status = StatusClaimed
	item.ClaimedAt = time.Now().Unix()
	data, err := json.Marshal(item)
	if err != nil {
		return nil, err
	}
	if err := q.redis.Set(ctx, q.itemKey(item.ID), data, itemTTL).Err(); err != nil {
		return nil, err
	}
	return item, nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Item, error) {
	data, err := q.redis.Get(ctx, q.itemKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func (q *RedisQueue) Len(ctx context.Context, job string) (int64, error) {
	return q.redis.LLen(ctx, q.queueKey(job)).Result()
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
