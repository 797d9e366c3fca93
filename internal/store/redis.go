// internal/store/redis.go
package store

import (
	"context"
	"fmt"
	"strings"

	"example.com/backstage/services/endpoint/internal/core"
)

// HashStore is the subset of the Redis cache the backend needs.
type HashStore interface {
	Ping(ctx context.Context) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	ReplaceHashes(ctx context.Context, hashes map[string]map[string]string) error
	DeleteMatching(ctx context.Context, pattern string) error
	Close() error
}

// RedisBackend keeps each namespace in a Redis hash named
// "{prefix}:{namespace}". Giving each bench endpoint its own prefix lets
// several share one server.
type RedisBackend struct {
	cache  HashStore
	prefix string
}

// NewRedisBackend creates a backend; prefix scopes every key.
func NewRedisBackend(cache HashStore, prefix string) *RedisBackend {
	return &RedisBackend{cache: cache, prefix: strings.TrimSuffix(prefix, ":")}
}

func (r *RedisBackend) key(namespace string) string {
	return fmt.Sprintf("%s:%s", r.prefix, namespace)
}

func (r *RedisBackend) Open(ctx context.Context) error {
	if err := r.cache.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) Load(ctx context.Context, namespace string) (map[string]string, error) {
	values, err := r.cache.HashGetAll(ctx, r.key(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return cloneValues(values), nil
}

func (r *RedisBackend) Commit(ctx context.Context, changes Changes) error {
	hashes := make(map[string]map[string]string, len(changes))
	for ns, values := range changes {
		hashes[r.key(ns)] = values
	}
	if err := r.cache.ReplaceHashes(ctx, hashes); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) Erase(ctx context.Context) error {
	if err := r.cache.DeleteMatching(ctx, r.prefix+":*"); err != nil {
		return fmt.Errorf("%w: %v", core.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.cache.Close()
}
