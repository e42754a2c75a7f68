package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metadataKeyPrefix = "dustpan:session:"
	metadataTTL       = 7 * 24 * time.Hour
	metadataOpTimeout = 500 * time.Millisecond
)

// MetadataStore holds server-side session metadata. Plain key-value,
// last-write-wins; no transactional guarantees.
type MetadataStore interface {
	Put(ctx context.Context, id string, data map[string]any) error
	Get(ctx context.Context, id string) (map[string]any, bool, error)
	Delete(ctx context.Context, id string) error
}

// memoryMetadataStore backs development and tests, and serves as the
// fallback when redis is unreachable at startup.
type memoryMetadataStore struct {
	mu      sync.RWMutex
	entries map[string]map[string]any
}

func NewMemoryMetadataStore() MetadataStore {
	return &memoryMetadataStore{entries: map[string]map[string]any{}}
}

func (s *memoryMetadataStore) Put(ctx context.Context, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = data
	return nil
}

func (s *memoryMetadataStore) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.entries[id]
	return data, ok, nil
}

func (s *memoryMetadataStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

type redisMetadataStore struct {
	client *redis.Client
}

func NewRedisMetadataStore(client *redis.Client) MetadataStore {
	return &redisMetadataStore{client: client}
}

func (s *redisMetadataStore) Put(ctx context.Context, id string, data map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}
	if err := s.client.Set(ctx, metadataKeyPrefix+id, payload, metadataTTL).Err(); err != nil {
		return fmt.Errorf("store session metadata: %w", err)
	}
	return nil
}

func (s *redisMetadataStore) Get(ctx context.Context, id string) (map[string]any, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	payload, err := s.client.Get(ctx, metadataKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load session metadata: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, false, fmt.Errorf("decode session metadata: %w", err)
	}
	return data, true, nil
}

func (s *redisMetadataStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	if err := s.client.Del(ctx, metadataKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("delete session metadata: %w", err)
	}
	return nil
}
