package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aaronpan007/zhaoyaojing/pkg/models"
)

// RedisStore implements Store on Redis. Each task is a JSON document under
// task:{id}, written with the retention window as key TTL, so Redis expiry
// takes the place of the explicit sweep.
//
// Mutations are read-modify-write. That is safe under the task ownership
// rule: exactly one pipeline goroutine writes a given task after creation.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore from a Redis URL. Tasks expire retention
// after creation.
func NewRedisStore(redisURL string, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts), retention: retention}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client's connections.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func taskKey(id uuid.UUID) string {
	return "task:" + id.String()
}

func (s *RedisStore) CreateTask(ctx context.Context, input models.InputSnapshot) (*models.Task, error) {
	t := newTask(input)

	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(t.ID), data, s.retention).Err(); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func (s *RedisStore) GetTask(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	data, err := s.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	var t models.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, id uuid.UUID, status string, opts ...TaskUpdateOption) error {
	params := &taskUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return s.mutate(ctx, id, func(t *models.Task) error {
		return applyUpdate(t, status, params)
	})
}

func (s *RedisStore) SetResult(ctx context.Context, id uuid.UUID, report *models.Report) error {
	return s.mutate(ctx, id, func(t *models.Task) error {
		return applyResult(t, report)
	})
}

func (s *RedisStore) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	return s.mutate(ctx, id, func(t *models.Task) error {
		return applyError(t, msg)
	})
}

// Sweep is a no-op: keys carry the retention window as TTL and Redis expires
// them itself.
func (s *RedisStore) Sweep(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}

// mutate loads the task, applies fn, and writes it back preserving the key's
// remaining TTL.
func (s *RedisStore) mutate(ctx context.Context, id uuid.UUID, fn func(*models.Task) error) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(t); err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(id), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}
