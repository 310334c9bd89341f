package prefs

import (
	"context"
	"fmt"
)

const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

type Options struct {
	Backend            string
	Redis              RedisOptions
	RedisHash          string
	PostgresDSN        string
	PostgresRequireTLS bool
}

// Open connects the configured backend. The returned func releases its
// connections.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), func() {}, nil
	case BackendRedis:
		client, err := NewRedisClient(ctx, opts.Redis)
		if err != nil {
			return nil, nil, err
		}
		return NewRedisStore(client, opts.RedisHash), func() { _ = client.Close() }, nil
	case BackendPostgres:
		pool, err := NewPostgresPool(ctx, opts.PostgresDSN, opts.PostgresRequireTLS)
		if err != nil {
			return nil, nil, err
		}
		store, err := NewPostgresStore(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown prefs backend %q", opts.Backend)
	}
}
