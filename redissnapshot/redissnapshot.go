// Package redissnapshot implements jwkscache.SnapshotStore on top of
// github.com/redis/go-redis/v9, following avapigw's internal/cache.redisCache
// key-prefix idiom, simplified to the three SnapshotStore operations
// persist_all/restore_from_persistence need. Failed Redis calls are
// returned as errors without retry.
package redissnapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a jwkscache.SnapshotStore backed by a Redis client.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New wraps client with the given key prefix, which is prepended to every
// snapshot key before it reaches Redis. An empty prefix is valid.
func New(client redis.UniversalClient, keyPrefix string) *Store {
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) resolveKey(key string) string {
	return s.keyPrefix + key
}

// Get fetches the snapshot stored at key. It reports (nil, false, nil) on
// a cache miss rather than an error, matching SnapshotStore's contract.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.resolveKey(key)).Bytes()
	if err == nil {
		return val, true, nil
	}
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("redissnapshot: get %s: %w", key, err)
}

// Put stores value at key with the given TTL. A zero TTL persists the key
// without expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.resolveKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("redissnapshot: put %s: %w", key, err)
	}
	return nil
}

// Delete removes the snapshot stored at key, if any.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.resolveKey(key)).Err(); err != nil {
		return fmt.Errorf("redissnapshot: delete %s: %w", key, err)
	}
	return nil
}
