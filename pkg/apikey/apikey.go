// Package apikey holds the bridge's API keys in memory and persists the
// whole set as one encrypted preference entry.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"issuebridge/pkg/prefs"
	"issuebridge/pkg/vault"

	"github.com/jonboulle/clockwork"
)

const TokenBytes = 32

var (
	ErrNotFound     = errors.New("apikey: key not found")
	ErrDuplicate    = errors.New("apikey: token already present")
	ErrInvalidKey   = errors.New("apikey: token and label required")
	ErrLegacyFormat = errors.New("apikey: legacy key entry is not valid json")
)

type Key struct {
	Token     string     `json:"token"`
	Label     string     `json:"label"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
}

// Cipher is satisfied by *vault.Vault.
type Cipher interface {
	Encrypt(plaintext, password []byte) (vault.Blob, error)
	Decrypt(blob vault.Blob, password []byte) ([]byte, error)
}

// SecretFunc supplies the master secret the key set is encrypted under.
type SecretFunc func() ([]byte, error)

// StaticSecret wraps a fixed secret.
func StaticSecret(secret string) SecretFunc {
	return func() ([]byte, error) {
		if secret == "" {
			return nil, errors.New("master secret is empty")
		}
		return []byte(secret), nil
	}
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

// WithErrorHandler receives failures of background flushes and refreshes.
func WithErrorHandler(fn func(error)) Option {
	return func(s *Store) { s.onFlushError = fn }
}

// WithRefreshInterval re-reads the persisted set on every tick so keys
// added or revoked by another process take effect without a restart.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Store) { s.refresh = d }
}

// Store keeps a copy of the persisted set for lookups. The persisted entry
// is authoritative: every write re-reads it, applies one change and writes
// it back, so concurrent writers only lose usage stamps, never keys.
type Store struct {
	mu   sync.RWMutex
	keys []Key

	prefs  prefs.Store
	cipher Cipher
	secret SecretFunc
	clock  clockwork.Clock

	// guarded by saveMu
	saveMu        sync.Mutex
	persisted     string
	persistedKeys []Key

	refresh      time.Duration
	dirty        chan struct{}
	done         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once
	onFlushError func(error)
}

// errUnchanged tells update to skip the write.
var errUnchanged = errors.New("apikey: unchanged")

// Open loads the key set. A non-nil error together with a non-nil store
// means the persisted set could not be read; the store is then empty but
// usable, and the caller decides how to surface the failure.
func Open(ctx context.Context, p prefs.Store, c Cipher, secret SecretFunc, opts ...Option) (*Store, error) {
	s := &Store{
		prefs:   p,
		cipher:  c,
		secret:  secret,
		clock:   clockwork.NewRealClock(),
		dirty:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	err := s.load(ctx)
	if err != nil {
		s.mu.Lock()
		s.keys = nil
		s.mu.Unlock()
	}
	go s.flushLoop()
	return s, err
}

func (s *Store) load(ctx context.Context) error {
	s.saveMu.Lock()
	keys, ok, err := s.readLocked(ctx)
	s.saveMu.Unlock()
	if err != nil {
		return err
	}
	if ok {
		s.install(keys)
		// A crash between persisting the encrypted set and removing the
		// legacy entry leaves both behind.
		if _, legacy, err := prefs.Lookup(ctx, s.prefs, prefs.KeyLegacyAPIKeys); err == nil && legacy {
			return s.prefs.Delete(ctx, prefs.KeyLegacyAPIKeys)
		}
		return nil
	}
	return s.migrateLegacy(ctx)
}

func (s *Store) migrateLegacy(ctx context.Context) error {
	raw, ok, err := prefs.Lookup(ctx, s.prefs, prefs.KeyLegacyAPIKeys)
	if err != nil {
		return fmt.Errorf("read legacy key set: %w", err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil
	}
	var legacy []Key
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return fmt.Errorf("%w: %v", ErrLegacyFormat, err)
	}
	err = s.update(ctx, func(keys []Key) ([]Key, error) {
		if len(keys) > 0 {
			// another process migrated first
			return nil, errUnchanged
		}
		return legacy, nil
	})
	if err != nil {
		return fmt.Errorf("migrate legacy key set: %w", err)
	}
	if err := s.prefs.Delete(ctx, prefs.KeyLegacyAPIKeys); err != nil {
		return fmt.Errorf("remove legacy key set: %w", err)
	}
	return nil
}

func (s *Store) decrypt(encoded string) ([]Key, error) {
	blob, err := vault.DecodeBlob(encoded)
	if err != nil {
		return nil, err
	}
	secret, err := s.secret()
	if err != nil {
		return nil, fmt.Errorf("%w: master secret: %v", vault.ErrDecryption, err)
	}
	plain, err := s.cipher.Decrypt(blob, secret)
	if err != nil {
		return nil, err
	}
	var keys []Key
	if err := json.Unmarshal(plain, &keys); err != nil {
		return nil, fmt.Errorf("%w: decode key set", vault.ErrDecryption)
	}
	return keys, nil
}

// readLocked returns a private copy of the persisted set. An entry that is
// unchanged since the last read or write is not decrypted again.
func (s *Store) readLocked(ctx context.Context) ([]Key, bool, error) {
	encoded, ok, err := prefs.Lookup(ctx, s.prefs, prefs.KeyAPIKeys)
	if err != nil {
		return nil, false, fmt.Errorf("read key set: %w", err)
	}
	if !ok {
		s.persisted, s.persistedKeys = "", nil
		return nil, false, nil
	}
	if encoded != s.persisted || s.persistedKeys == nil {
		keys, err := s.decrypt(encoded)
		if err != nil {
			return nil, true, err
		}
		s.persisted, s.persistedKeys = encoded, keys
	}
	return cloneKeys(s.persistedKeys), true, nil
}

func (s *Store) writeLocked(ctx context.Context, keys []Key) error {
	if keys == nil {
		keys = []Key{}
	}
	plain, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("encode key set: %w", err)
	}
	secret, err := s.secret()
	if err != nil {
		return fmt.Errorf("master secret: %w", err)
	}
	blob, err := s.cipher.Encrypt(plain, secret)
	if err != nil {
		return fmt.Errorf("encrypt key set: %w", err)
	}
	encoded := blob.Encode()
	if err := s.prefs.Set(ctx, prefs.KeyAPIKeys, encoded); err != nil {
		return fmt.Errorf("persist key set: %w", err)
	}
	s.persisted, s.persistedKeys = encoded, cloneKeys(keys)
	return nil
}

// update re-reads the persisted set, applies fn and writes the result
// back. The in-memory copy is replaced only once the write succeeded.
func (s *Store) update(ctx context.Context, fn func([]Key) ([]Key, error)) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	current, _, err := s.readLocked(ctx)
	if err != nil {
		return err
	}
	next, err := fn(current)
	if errors.Is(err, errUnchanged) {
		s.install(current)
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.writeLocked(ctx, next); err != nil {
		return err
	}
	s.install(next)
	return nil
}

// install swaps in a persisted set, keeping usage stamps taken in memory
// that are newer than the persisted ones.
func (s *Store) install(keys []Key) {
	next := cloneKeys(keys)
	s.mu.Lock()
	mergeUsage(next, s.keys)
	s.keys = next
	s.mu.Unlock()
}

// mergeUsage copies lastUsed stamps from src into dst where src is newer.
func mergeUsage(dst, src []Key) bool {
	changed := false
	for i := range dst {
		for _, k := range src {
			if k.Token != dst[i].Token || k.LastUsed == nil {
				continue
			}
			if dst[i].LastUsed == nil || k.LastUsed.After(*dst[i].LastUsed) {
				t := *k.LastUsed
				dst[i].LastUsed = &t
				changed = true
			}
			break
		}
	}
	return changed
}

func cloneKeys(keys []Key) []Key {
	if keys == nil {
		return nil
	}
	out := make([]Key, len(keys))
	for i, k := range keys {
		if k.LastUsed != nil {
			t := *k.LastUsed
			k.LastUsed = &t
		}
		out[i] = k
	}
	return out
}

func (s *Store) FindKeyByToken(token string) (Key, bool) {
	if token == "" {
		return Key{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := -1
	for i := range s.keys {
		if subtle.ConstantTimeCompare([]byte(s.keys[i].Token), []byte(token)) == 1 {
			found = i
		}
	}
	if found < 0 {
		return Key{}, false
	}
	return s.keys[found], true
}

func (s *Store) AddKey(ctx context.Context, key Key) error {
	if strings.TrimSpace(key.Token) == "" || strings.TrimSpace(key.Label) == "" {
		return ErrInvalidKey
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = s.clock.Now().UTC()
	}
	return s.update(ctx, func(keys []Key) ([]Key, error) {
		for _, k := range keys {
			if k.Token == key.Token {
				return nil, ErrDuplicate
			}
		}
		return append(keys, key), nil
	})
}

// Generate creates a key with a fresh random token and persists it.
func (s *Store) Generate(ctx context.Context, label string) (Key, error) {
	token, err := NewToken()
	if err != nil {
		return Key{}, err
	}
	key := Key{Token: token, Label: strings.TrimSpace(label), CreatedAt: s.clock.Now().UTC()}
	if err := s.AddKey(ctx, key); err != nil {
		return Key{}, err
	}
	return key, nil
}

func (s *Store) Revoke(ctx context.Context, token string) error {
	return s.update(ctx, func(keys []Key) ([]Key, error) {
		for i, k := range keys {
			if k.Token == token {
				return append(keys[:i], keys[i+1:]...), nil
			}
		}
		return nil, ErrNotFound
	})
}

// UpdateLastUsed stamps the key in memory and schedules a background
// persist, so the request path never waits on key derivation.
func (s *Store) UpdateLastUsed(ctx context.Context, token string) error {
	now := s.clock.Now().UTC()
	s.mu.Lock()
	idx := -1
	for i := range s.keys {
		if s.keys[i].Token == token {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.keys[idx].LastUsed = &now
	s.mu.Unlock()
	select {
	case s.dirty <- struct{}{}:
	default:
	}
	return nil
}

func (s *Store) ListKeys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := cloneKeys(s.keys)
	if out == nil {
		out = []Key{}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Reload re-reads the persisted set. Keys revoked elsewhere stop
// authenticating and keys added elsewhere start to.
func (s *Store) Reload(ctx context.Context) error {
	return s.update(ctx, func([]Key) ([]Key, error) { return nil, errUnchanged })
}

// flush merges in-memory usage stamps into the persisted set.
func (s *Store) flush(ctx context.Context) error {
	return s.update(ctx, func(keys []Key) ([]Key, error) {
		s.mu.RLock()
		changed := mergeUsage(keys, s.keys)
		s.mu.RUnlock()
		if !changed {
			return nil, errUnchanged
		}
		return keys, nil
	})
}

// Flush persists pending usage updates synchronously.
func (s *Store) Flush(ctx context.Context) error {
	select {
	case <-s.dirty:
		return s.flush(ctx)
	default:
		return nil
	}
}

func (s *Store) flushLoop() {
	defer close(s.stopped)
	var tick <-chan time.Time
	if s.refresh > 0 {
		ticker := s.clock.NewTicker(s.refresh)
		defer ticker.Stop()
		tick = ticker.Chan()
	}
	for {
		select {
		case <-s.done:
			return
		case <-s.dirty:
			s.report(s.flush(context.Background()))
		case <-tick:
			s.report(s.Reload(context.Background()))
		}
	}
}

func (s *Store) report(err error) {
	if err != nil && s.onFlushError != nil {
		s.onFlushError(err)
	}
}

// Close stops the background flusher and writes any pending update.
func (s *Store) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.stopped
		err = s.Flush(ctx)
	})
	return err
}

func NewToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
