package session

import (
	"context"
		"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sleepy778/1.21.4eag/internal/obs"
)

const keyPrefix = "eag:session:"

// RedisRegistry shares records between relay instances. A small in-process
// cache serves repeated lookups of the same identifier; a revocation made on
// another instance is seen here once the cache entry expires.
type RedisRegistry struct {
	client *redis.Client
	ttl    time.Duration

	mu       sync.Mutex
	cache    map[string]cachedRecord
	cacheTTL time.Duration
}

type cachedRecord struct {
	rec     Record
	fetched time.Time
}

// NewRedisRegistry connects to addr and verifies the connection with a ping.
func NewRedisRegistry(ctx context.Context, addr, password string, db int, ttl time.Duration) (*RedisRegistry, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisRegistry(rdb, ttl), nil
}

func newRedisRegistry(rdb *redis.Client, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisRegistry{
		client:   rdb,
		ttl:      ttl,
		cache:    make(map[string]cachedRecord),
		cacheTTL: 15 * time.Second,
	}
}

var _ Registry = (*RedisRegistry)(nil)

func (r *RedisRegistry) Register(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	data, err := cbor.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session record: %w", err)
	}
	ok, err := r.client.SetNX(ctx, keyPrefix+rec.ID, data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return ErrDuplicateSession
	}
	r.mu.Lock()
	r.cache[rec.ID] = cachedRecord{rec: rec, fetched: time.Now()}
	obs.RegisteredSessions.Set(float64(len(r.cache)))
	r.mu.Unlock()
	return nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, id string) (Record, error) {
	r.mu.Lock()
	c, ok := r.cache[id]
	if ok && time.Since(c.fetched) < r.cacheTTL {
		r.mu.Unlock()
		return c.rec, nil
	}
	r.mu.Unlock()

	val, err := r.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			r.forget(id)
			return Record{}, ErrNotFound
		}
		obs.Error("redis.lookup", obs.Fields{"err": err.Error(), "session": ShortID(id)})
		return Record{}, fmt.Errorf("redis get failed: %w", err)
	}
	var rec Record
	if err := cbor.Unmarshal(val, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshal session record: %w", err)
	}
	r.mu.Lock()
	r.cache[id] = cachedRecord{rec: rec, fetched: time.Now()}
	r.mu.Unlock()
	return rec, nil
}

func (r *RedisRegistry) Revoke(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, keyPrefix+id).Result()
	r.forget(id)
	if err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RedisRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

func (r *RedisRegistry) forget(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	obs.RegisteredSessions.Set(float64(len(r.cache)))
	r.mu.Unlock()
}

// StartMaintenance drops expired cache entries in the background until ctx
// is done. It returns immediately.
func (r *RedisRegistry) StartMaintenance(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go r.maintain(ctx, interval)
}

func (r *RedisRegistry) maintain(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.cleanupCache()
		}
	}
}

func (r *RedisRegistry) cleanupCache() {
	r.mu.Lock()
	cutoff := time.Now().Add(-r.cacheTTL)
	for id, c := range r.cache {
		if c.fetched.Before(cutoff) {
			delete(r.cache, id)
		}
	}
	obs.RegisteredSessions.Set(float64(len(r.cache)))
	r.mu.Unlock()
}

func (r *RedisRegistry) Close() error { return r.client.Close() }
