package session

import (
	"context"
	"time"

	"github.com/sleepy778/1.21.4eag/internal/obs"
)

// Options selects and configures the registry backend.
type Options struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration

	// MaintenanceInterval paces the redis cache sweep; zero means a minute.
	MaintenanceInterval time.Duration
}

// New creates either an in-memory or Redis-backed registry. A redis registry
// sweeps its local cache in the background until ctx is done.
func New(ctx context.Context, opts Options) (Registry, error) {
	if opts.RedisAddr == "" {
		obs.Info("registry.backend", obs.Fields{"type": "in-memory"})
		return NewMemoryRegistry(), nil
	}
	obs.Info("registry.backend", obs.Fields{"type": "redis", "addr": opts.RedisAddr})
	rr, err := NewRedisRegistry(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.TTL)
	if err != nil {
		return nil, err
	}
	rr.StartMaintenance(ctx, opts.MaintenanceInterval)
	return rr, nil
}
