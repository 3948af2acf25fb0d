package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the two entries in Redis, keyed per user. Used by
// headless deployments where the client runs on a shared host instead of a
// device with local disk.
type RedisStore struct {
	client *redis.Client
	userID string
}

func NewRedisStore(client *redis.Client, userID string) *RedisStore {
	return &RedisStore{client: client, userID: userID}
}

// NewRedisStoreFromURL dials Redis from a redis:// URL.
func NewRedisStoreFromURL(rawURL, userID string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisStore(redis.NewClient(opts), userID), nil
}

func (s *RedisStore) phaseKey() string {
	return fmt.Sprintf("garden:%s:%s", s.userID, KeyPhase)
}

func (s *RedisStore) stateKey() string {
	return fmt.Sprintf("garden:%s:%s", s.userID, KeyState)
}

func (s *RedisStore) Save(ctx context.Context, l PersistedLobby) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode persisted lobby: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.phaseKey(), l.Phase, 0)
	pipe.Set(ctx, s.stateKey(), data, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write persisted lobby: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context) (*PersistedLobby, error) {
	phase, err := s.client.Get(ctx, s.phaseKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persisted phase: %w", err)
	}

	data, err := s.client.Get(ctx, s.stateKey()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read persisted lobby: %w", err)
	}

	var l PersistedLobby
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, nil
	}
	if phase == "" || l.Code == "" {
		return nil, nil
	}
	l.Phase = phase
	return &l, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.phaseKey(), s.stateKey()).Err(); err != nil {
		return fmt.Errorf("clear persisted lobby: %w", err)
	}
	return nil
}
