package prefs

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisHash = "issuebridge:prefs"

// RedisStore keeps preferences in a Redis hash so the whole set can be
// inspected with a single HGETALL.
type RedisStore struct {
	client *redis.Client
	hash   string
}

func NewRedisStore(client *redis.Client, hash string) *RedisStore {
	if strings.TrimSpace(hash) == "" {
		hash = DefaultRedisHash
	}
	return &RedisStore{client: client, hash: hash}
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.HGet(ctx, r.hash, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.HSet(ctx, r.hash, key, value).Err()
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.client.HDel(ctx, r.hash, key).Err()
}

type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	TLS        bool
	CACertFile string
	ServerName string
}

func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "localhost:6379"
	}
	tlsConfig, err := redisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func redisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if serverName := strings.TrimSpace(opts.ServerName); serverName != "" {
		cfg.ServerName = serverName
	}
	if caFile := strings.TrimSpace(opts.CACertFile); caFile != "" {
		caBytes, err := os.ReadFile(filepath.Clean(caFile))
		if err != nil {
			return nil, fmt.Errorf("read redis ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, fmt.Errorf("parse redis ca cert: no valid certificates")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
