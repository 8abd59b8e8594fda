package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyvo/compute/reviewci/pkg/revision"
)

const (
	fieldLastBuilt  = "last"
	fieldLanePrefix = "lane:"
)

// RedisStore keeps each job's history in a hash: one field for the last
// build and one field per lane. Updates are applied in a MULTI block.
type RedisStore struct {
	rdb       redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(rdb redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "reviewci"
	}
	return &RedisStore{rdb: rdb, keyPrefix: keyPrefix}
}

// NewRedisStoreFromURL connects to redisURL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, redisURL, keyPrefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStore(client, keyPrefix), nil
}

func (s *RedisStore) key(job string) string {
	return fmt.Sprintf("%s:history:%s", s.keyPrefix, job)
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Load(ctx context.Context, job string) (BuildHistory, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key(job)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return BuildHistory{}, fmt.Errorf("load history: %w", err)
	}

	h := New(job)
	for field, raw := range fields {
		var rec BuildRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return BuildHistory{}, fmt.Errorf("decode %s: %w", field, err)
		}
		switch {
		case field == fieldLastBuilt:
			last := rec
			h.LastBuilt = &last
		case strings.HasPrefix(field, fieldLanePrefix):
			h.Lanes[revision.Lane(strings.TrimPrefix(field, fieldLanePrefix))] = rec
		}
	}
	return h, nil
}

func (s *RedisStore) Record(ctx context.Context, job string, rec BuildRecord) (BuildHistory, error) {
	if err := validate(job, rec); err != nil {
		return BuildHistory{}, err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return BuildHistory{}, err
	}

	key := s.key(job)
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldLastBuilt, payload)
		if rec.Lane != "" {
			pipe.HSet(ctx, key, fieldLanePrefix+string(rec.Lane), payload)
		}
		return nil
	})
	if err != nil {
		return BuildHistory{}, fmt.Errorf("record history: %w", err)
	}
	return s.Load(ctx, job)
}
