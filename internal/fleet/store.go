package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bus-tracking/internal/cache"
	"github.com/example/bus-tracking/internal/models"
)

// Store keeps cached directory results. Implementations must never return
// an entry older than the TTL it was stored with.
//
// Every Clear moves the store to a new generation. Set takes the
// generation read before the fetch and must not make the value visible
// if a Clear happened since.
type Store interface {
	Generation(ctx context.Context) (int64, error)
	Get(ctx context.Context, key string) ([]models.Vehicle, bool, error)
	Set(ctx context.Context, gen int64, key string, v []models.Vehicle, ttl time.Duration) error
	Clear(ctx context.Context) error
}

// MemoryStore is the process-local store. A ttl <= 0 means one minute.
type MemoryStore struct {
	c *cache.Cache[[]models.Vehicle]

	mu  sync.Mutex
	gen int64
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{c: cache.New[[]models.Vehicle](time.Minute, now)}
}

func (m *MemoryStore) Generation(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen, nil
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]models.Vehicle, bool, error) {
	v, ok := m.c.Get(key)
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, gen int64, key string, v []models.Vehicle, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case gen != m.gen:
	case ttl <= 0:
		m.c.Set(key, v)
	default:
		m.c.SetTTL(key, v, ttl)
	}
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.gen++
	m.c.Clear()
	m.mu.Unlock()
	return nil
}

// RedisStore shares the cache between client processes. Entries expire
// with SET EX. Clear bumps a generation counter that is part of every key,
// so old entries become unreachable at once and age out on their own. A
// Set with an old generation lands under an unreachable key as well.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(addr, password, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisStoreFromClient(c, prefix)
}

func NewRedisStoreFromClient(c *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "fleet:search:"
	}
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) genKey() string { return r.prefix + "gen" }

func (r *RedisStore) Generation(ctx context.Context) (int64, error) {
	g, err := r.client.Get(ctx, r.genKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return g, err
}

func (r *RedisStore) entryKey(gen int64, key string) string {
	return fmt.Sprintf("%s%d:%s", r.prefix, gen, key)
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]models.Vehicle, bool, error) {
	gen, err := r.Generation(ctx)
	if err != nil {
		return nil, false, err
	}
	b, err := r.client.Get(ctx, r.entryKey(gen, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []models.Vehicle
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false, fmt.Errorf("decode cached vehicles: %w", err)
	}
	return out, true, nil
}

func (r *RedisStore) Set(ctx context.Context, gen int64, key string, v []models.Vehicle, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.entryKey(gen, key), b, ttl).Err()
}

func (r *RedisStore) Clear(ctx context.Context) error {
	return r.client.Incr(ctx, r.genKey()).Err()
}

func (r *RedisStore) Close() error { return r.client.Close() }
