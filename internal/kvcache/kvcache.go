// Package kvcache provides the best-effort shared cache behind chain tip
// publication and response memoization. Entries are JSON values keyed by
// (table, key) with a per-table TTL; every failure degrades to a miss.
package kvcache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Well-known tables.
const (
	TableBlock  = "block"  // chain tips, one entry per coin
	TableStatus = "status" // /status response memoization
)

// Default TTLs per table.
const (
	BlockTTL  = 60 * time.Second
	StatusTTL = 10 * time.Second
)

// Store is the cache contract. Get reports whether the key was present;
// a decode failure or backend error is returned but callers treat any
// error as a miss.
type Store interface {
	Get(table, key string, out interface{}) (bool, error)
	Set(table, key string, value interface{}, ttl time.Duration) error
	Delete(table, key string) error
}

// Memory is the in-process fallback store, one expirable LRU per table.
type Memory struct {
	mu     sync.Mutex
	size   int
	tables map[string]*expirable.LRU[string, []byte]
}

// NewMemory creates an in-process store. size bounds each table.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{
		size:   size,
		tables: make(map[string]*expirable.LRU[string, []byte]),
	}
}

// table returns the LRU for a table, creating it with the given TTL on
// first use. The expirable LRU fixes its TTL at construction, so the
// first Set for a table decides it; that matches the per-table contract.
func (m *Memory) table(name string, ttl time.Duration) *expirable.LRU[string, []byte] {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lru, ok := m.tables[name]; ok {
		return lru
	}
	lru := expirable.NewLRU[string, []byte](m.size, nil, ttl)
	m.tables[name] = lru
	return lru
}

func (m *Memory) Get(table, key string, out interface{}) (bool, error) {
	m.mu.Lock()
	lru, ok := m.tables[table]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}

	data, ok := lru.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

func (m *Memory) Set(table, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	m.table(table, ttl).Add(key, data)
	return nil
}

func (m *Memory) Delete(table, key string) error {
	m.mu.Lock()
	lru, ok := m.tables[table]
	m.mu.Unlock()
	if ok {
		lru.Remove(key)
	}
	return nil
}

var _ Store = (*Memory)(nil)

// Redis is the shared store used when several processes need the same
// tips. Keys are "{prefix}{table}_{key}" with the TTL set at write.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(addr string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(table, key string) string {
	return r.prefix + table + "_" + key
}

func (r *Redis) Get(table, key string, out interface{}) (bool, error) {
	data, err := r.client.Get(r.key(table, key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

func (r *Redis) Set(table, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}
	if err := r.client.Set(r.key(table, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

func (r *Redis) Delete(table, key string) error {
	if err := r.client.Del(r.key(table, key)).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
