package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"issuebridge/pkg/apikey"
	"issuebridge/pkg/prefs"
	"issuebridge/pkg/vault"
)

func setup(t *testing.T) *prefs.MemoryStore {
	t.Helper()
	t.Setenv("ISSUEBRIDGE_CONFIG", "")
	t.Setenv("ISSUEBRIDGE_AUTH_MASTER_SECRET", "test-secret")
	t.Setenv("ISSUEBRIDGE_PREFS_BACKEND", "redis")
	store := prefs.NewMemoryStore()
	origPrefs, origCipher := openPrefsFn, newCipherFn
	t.Cleanup(func() { openPrefsFn, newCipherFn = origPrefs, origCipher })
	openPrefsFn = func(context.Context, prefs.Options) (prefs.Store, func(), error) {
		return store, func() {}, nil
	}
	newCipherFn = func() apikey.Cipher { return &vault.Vault{Iterations: 1000} }
	return store
}

func TestRunRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out); err == nil || err.Error() != "command required" {
		t.Fatalf("expected command required, got %v", err)
	}
	if !strings.Contains(out.String(), "bridgectl commands:") {
		t.Fatalf("expected usage, got %q", out.String())
	}
	if err := run(context.Background(), []string{"frobnicate"}, &out); err == nil {
		t.Fatal("expected unknown command error")
	}
	if err := run(context.Background(), []string{"help"}, &out); err != nil {
		t.Fatalf("help: %v", err)
	}
}

func TestKeyLifecycle(t *testing.T) {
	setup(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, []string{"gen-key", "--label", "ci runner"}, &out); err != nil {
		t.Fatalf("gen-key: %v", err)
	}
	token := strings.TrimSpace(out.String())
	if len(token) != 43 {
		t.Fatalf("expected 43 character token, got %q", token)
	}

	out.Reset()
	if err := run(ctx, []string{"list-keys"}, &out); err != nil {
		t.Fatalf("list-keys: %v", err)
	}
	listing := out.String()
	if !strings.Contains(listing, "ci runner") || !strings.Contains(listing, "never") {
		t.Fatalf("unexpected listing %q", listing)
	}
	if strings.Contains(listing, token) {
		t.Fatal("expected token to be masked")
	}

	out.Reset()
	if err := run(ctx, []string{"list-keys", "--show-tokens"}, &out); err != nil {
		t.Fatalf("list-keys: %v", err)
	}
	if !strings.Contains(out.String(), token) {
		t.Fatalf("expected full token, got %q", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"revoke-key", "--token", token}, &out); err != nil {
		t.Fatalf("revoke-key: %v", err)
	}
	if err := run(ctx, []string{"revoke-key", "--token", token}, &out); !errors.Is(err, apikey.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second revoke, got %v", err)
	}
}

func TestGenKeyValidation(t *testing.T) {
	setup(t)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"gen-key"}, &out); err == nil {
		t.Fatal("expected label error")
	}
	if err := run(context.Background(), []string{"revoke-key"}, &out); err == nil {
		t.Fatal("expected token error")
	}
	if err := run(context.Background(), []string{"gen-key", "--bogus"}, &out); err == nil {
		t.Fatal("expected flag error")
	}
}

func TestKeysRequireMasterSecret(t *testing.T) {
	setup(t)
	t.Setenv("ISSUEBRIDGE_AUTH_MASTER_SECRET", "")
	var out bytes.Buffer
	if err := run(context.Background(), []string{"gen-key", "--label", "x"}, &out); err == nil {
		t.Fatal("expected master secret error")
	}
}

func TestKeysRefuseUndecryptableSet(t *testing.T) {
	store := setup(t)
	if err := store.Set(context.Background(), prefs.KeyAPIKeys, "AAAA"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), []string{"gen-key", "--label", "x"}, &out); err == nil {
		t.Fatal("expected load error")
	}
	if got, _ := store.Get(context.Background(), prefs.KeyAPIKeys); got != "AAAA" {
		t.Fatalf("expected stored set untouched, got %q", got)
	}
}

func TestRefusesMemoryBackend(t *testing.T) {
	setup(t)
	t.Setenv("ISSUEBRIDGE_PREFS_BACKEND", "memory")
	opened := false
	openPrefsFn = func(context.Context, prefs.Options) (prefs.Store, func(), error) {
		opened = true
		return prefs.NewMemoryStore(), func() {}, nil
	}
	for _, args := range [][]string{
		{"gen-key", "--label", "x"},
		{"list-keys"},
		{"revoke-key", "--token", "t"},
		{"set-server", "--port", "9000"},
	} {
		var out bytes.Buffer
		if err := run(context.Background(), args, &out); !errors.Is(err, errEphemeralBackend) {
			t.Fatalf("%s: expected errEphemeralBackend, got %v", args[0], err)
		}
		if out.Len() != 0 {
			t.Fatalf("%s: expected no output, got %q", args[0], out.String())
		}
	}
	if opened {
		t.Fatal("preference store must not be opened for the memory backend")
	}
}

func TestSetServer(t *testing.T) {
	store := setup(t)
	ctx := context.Background()
	var out bytes.Buffer
	if err := run(ctx, []string{"set-server", "--port", "9443", "--origins", "https://console.example.com"}, &out); err != nil {
		t.Fatalf("set-server: %v", err)
	}
	if got, _ := store.Get(ctx, prefs.KeyPort); got != "9443" {
		t.Fatalf("expected stored port, got %q", got)
	}
	if got, _ := store.Get(ctx, prefs.KeyBindAddress); got != "127.0.0.1" {
		t.Fatalf("expected default bind address stored, got %q", got)
	}

	if err := run(ctx, []string{"set-server", "--bind", "0.0.0.0"}, &out); err != nil {
		t.Fatalf("set-server: %v", err)
	}
	if got, _ := store.Get(ctx, prefs.KeyPort); got != "9443" {
		t.Fatalf("expected port preserved, got %q", got)
	}
	if got, _ := store.Get(ctx, prefs.KeyAllowedOrigins); got != "https://console.example.com" {
		t.Fatalf("expected origins preserved, got %q", got)
	}
	if err := run(ctx, []string{"set-server", "--port", "70000"}, &out); err == nil {
		t.Fatal("expected range error")
	}
}

func TestMaskToken(t *testing.T) {
	if got := maskToken("abcdefghijklmnop"); got != "abcdef...op" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := maskToken("short"); got != "*****" {
		t.Fatalf("unexpected mask %q", got)
	}
}
