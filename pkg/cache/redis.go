package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces every key the RedisStore writes.
const DefaultRedisPrefix = "offline"

// RedisStore implements Store with a Redis backend.
//
// Layout:
//
//	{prefix}:namespaces          SET   namespace names
//	{prefix}:ns:{name}:entries   HASH  key -> JSON entry
//	{prefix}:ns:{name}:order     ZSET  key scored by insertion sequence
//	{prefix}:seq                 INCR  store-wide sequence
//	{prefix}:meta:{key}          STRING store-level metadata
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a new store with Redis backend.
func NewRedisStore(redisClient *redis.Client, prefix string) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *RedisStore) namespacesKey() string {
	return s.prefix + ":namespaces"
}

func (s *RedisStore) entriesKey(namespace string) string {
	return fmt.Sprintf("%s:ns:%s:entries", s.prefix, namespace)
}

func (s *RedisStore) orderKey(namespace string) string {
	return fmt.Sprintf("%s:ns:%s:order", s.prefix, namespace)
}

func (s *RedisStore) seqKey() string {
	return s.prefix + ":seq"
}

func (s *RedisStore) metaKey(key string) string {
	return s.prefix + ":meta:" + key
}

// Open registers the namespace.
func (s *RedisStore) Open(ctx context.Context, namespace string) error {
	if err := s.redis.SAdd(ctx, s.namespacesKey(), namespace).Err(); err != nil {
		return fmt.Errorf("redis sadd: %w", err)
	}
	return nil
}

// Get retrieves an entry by key.
func (s *RedisStore) Get(ctx context.Context, namespace string, key Key) (*Entry, error) {
	data, err := s.redis.HGet(ctx, s.entriesKey(namespace), key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis hget: %w", err)
	}
	return decodeEntry(data)
}

// Put stores an entry at the newest insertion position.
func (s *RedisStore) Put(ctx context.Context, namespace string, entry *Entry) error {
	seq, err := s.redis.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis incr: %w", err)
	}
	entry.Seq = uint64(seq)

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}

	field := entry.Key().String()
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.namespacesKey(), namespace)
		pipe.HSet(ctx, s.entriesKey(namespace), field, data)
		pipe.ZAdd(ctx, s.orderKey(namespace), redis.Z{Score: float64(seq), Member: field})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put pipeline: %w", err)
	}
	return nil
}

// Delete removes an entry.
func (s *RedisStore) Delete(ctx context.Context, namespace string, key Key) error {
	field := key.String()
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.entriesKey(namespace), field)
		pipe.ZRem(ctx, s.orderKey(namespace), field)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete pipeline: %w", err)
	}
	return nil
}

// Keys returns keys ordered by insertion sequence.
func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]Key, error) {
	members, err := s.redis.ZRange(ctx, s.orderKey(namespace), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange: %w", err)
	}

	keys := make([]Key, 0, len(members))
	for _, member := range members {
		key, err := ParseKey(member)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteNamespace drops a namespace with all its entries.
func (s *RedisStore) DeleteNamespace(ctx context.Context, namespace string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, s.namespacesKey(), namespace)
		pipe.Del(ctx, s.entriesKey(namespace), s.orderKey(namespace))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete namespace pipeline: %w", err)
	}
	return removed.Val() > 0, nil
}

// ListNamespaces returns the registered namespaces, sorted.
func (s *RedisStore) ListNamespaces(ctx context.Context) ([]string, error) {
	names, err := s.redis.SMembers(ctx, s.namespacesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// GetMeta reads a metadata value.
func (s *RedisStore) GetMeta(ctx context.Context, key string) ([]byte, error) {
	value, err := s.redis.Get(ctx, s.metaKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return value, nil
}

// SetMeta writes a metadata value without expiry.
func (s *RedisStore) SetMeta(ctx context.Context, key string, value []byte) error {
	if err := s.redis.Set(ctx, s.metaKey(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.redis.Close()
}
