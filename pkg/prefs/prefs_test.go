package prefs

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyPort); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := s.Set(ctx, KeyPort, "8090"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get(ctx, KeyPort)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "8090" {
		t.Fatalf("expected 8090, got %q", got)
	}
	if err := s.Set(ctx, KeyPort, "8091"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, ok, err := Lookup(ctx, s, KeyPort)
	if err != nil || !ok || v != "8091" {
		t.Fatalf("unexpected lookup result v=%q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, KeyPort); err != nil {
		t.Fatalf("delete: %v", err)
	}
	_, ok, err = Lookup(ctx, s, KeyPort)
	if err != nil || ok {
		t.Fatalf("expected missing key after delete, ok=%v err=%v", ok, err)
	}
	if err := s.Delete(ctx, KeyPort); err != nil {
		t.Fatalf("delete of missing key should be a no-op, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "")
	exerciseStore(t, s)

	if err := s.Set(context.Background(), KeyBindAddress, "127.0.0.1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got := mr.HGet("issuebridge:prefs", KeyBindAddress); got != "127.0.0.1" {
		t.Fatalf("expected value in default hash, got %q", got)
	}
}

func TestNewRedisClient(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}

	addr := mr.Addr()
	client, err := NewRedisClient(context.Background(), RedisOptions{Addr: addr})
	if err != nil {
		t.Fatalf("expected client, got %v", err)
	}
	_ = client.Close()

	// Addr is only valid while the server runs.
	mr.Close()
	if _, err := NewRedisClient(context.Background(), RedisOptions{Addr: addr}); err == nil {
		t.Fatal("expected ping failure after server shutdown")
	}
}

func TestRedisTLSConfig(t *testing.T) {
	t.Parallel()

	cfg, err := redisTLSConfig(RedisOptions{})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config when tls disabled, got %v %v", cfg, err)
	}
	cfg, err = redisTLSConfig(RedisOptions{TLS: true, ServerName: "redis.internal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerName != "redis.internal" {
		t.Fatalf("expected server name, got %q", cfg.ServerName)
	}
	if _, err := redisTLSConfig(RedisOptions{TLS: true, CACertFile: "/nonexistent/ca.pem"}); err == nil {
		t.Fatal("expected error for missing ca file")
	}
}
