package issues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Store keeps the last-known snapshot of each list across restarts.
// Without one, the poller takes a fresh baseline at startup.
type Store interface {
	Load(ctx context.Context, state State) (Snapshot, bool, error)
	Save(ctx context.Context, state State, snap Snapshot) error
	Close() error
}

// RedisStore persists snapshots as JSON strings under
// "<prefix>:<owner>/<repo>:<state>".
type RedisStore struct {
	client *redis.Client
	prefix string
	repo   string
}

// NewRedisStore parses url and verifies the server answers PING.
func NewRedisStore(ctx context.Context, url, prefix, repo string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, repo: repo}, nil
}

func (s *RedisStore) key(state State) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, s.repo, state)
}

func (s *RedisStore) Load(ctx context.Context, state State) (Snapshot, bool, error) {
	data, err := s.client.Get(ctx, s.key(state)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load %s snapshot: %w", state, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decode %s snapshot: %w", state, err)
	}
	return snap, true, nil
}

func (s *RedisStore) Save(ctx context.Context, state State, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", state, err)
	}
	if err := s.client.Set(ctx, s.key(state), data, 0).Err(); err != nil {
		return fmt.Errorf("save %s snapshot: %w", state, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
