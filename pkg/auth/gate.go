// Package auth checks bearer tokens against the API key store.
//
// Every rejection looks the same to the caller. The reason is kept
// internally for metrics and logs only.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"issuebridge/pkg/apikey"
	"issuebridge/pkg/httpx"
	"issuebridge/pkg/logging"
	"issuebridge/pkg/metrics"
	"issuebridge/pkg/ratelimit"
)

const bearerPrefix = "Bearer "

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrMalformed    = fmt.Errorf("%w: malformed authorization header", ErrUnauthorized)
	ErrUnknownToken = fmt.Errorf("%w: unknown token", ErrUnauthorized)
	ErrRateLimited  = fmt.Errorf("%w: rate limited", ErrUnauthorized)
)

type KeyStore interface {
	FindKeyByToken(token string) (apikey.Key, bool)
	UpdateLastUsed(ctx context.Context, token string) error
}

type Gate struct {
	keys    KeyStore
	limiter ratelimit.Limiter
	log     logging.Logger
	metrics *metrics.Registry
}

func NewGate(keys KeyStore, limiter ratelimit.Limiter, log logging.Logger, reg *metrics.Registry) *Gate {
	if log == nil {
		log = logging.Nop{}
	}
	return &Gate{keys: keys, limiter: limiter, log: log, metrics: reg}
}

// ParseBearer returns the token of a header of the exact form
// "Bearer <token>". Nothing is trimmed or case-folded.
func ParseBearer(header string) (string, bool) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", false
	}
	token := header[len(bearerPrefix):]
	if token == "" || strings.IndexFunc(token, unicode.IsSpace) >= 0 {
		return "", false
	}
	return token, true
}

func (g *Gate) Authenticate(ctx context.Context, header string) (apikey.Key, error) {
	token, ok := ParseBearer(header)
	if !ok {
		return g.reject(ErrMalformed, "malformed")
	}
	if g.limiter != nil && !g.limiter.Allow(LimitIdentity(token)) {
		return g.reject(ErrRateLimited, "rate_limited")
	}
	key, ok := g.keys.FindKeyByToken(token)
	if !ok {
		return g.reject(ErrUnknownToken, "unknown_token")
	}
	if err := g.keys.UpdateLastUsed(ctx, token); err != nil {
		g.log.Error("record key usage failed", "label", key.Label, "error", err)
	}
	g.metrics.Inc(metrics.AuthAccepted)
	return key, nil
}

// LimitIdentity is the rate limit bucket of a token. Limiters only ever see
// this digest, so shared limiter state never holds key material.
func LimitIdentity(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (g *Gate) reject(err error, reason string) (apikey.Key, error) {
	g.metrics.IncLabel(metrics.AuthRejected, reason)
	return apikey.Key{}, err
}

// Middleware rejects unauthenticated requests with one uniform 401.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := g.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			Unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
	})
}

func Unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="issuebridge"`)
	httpx.Error(w, http.StatusUnauthorized, "unauthorized")
}

type contextKey string

const keyContextKey contextKey = "issuebridge.apikey"

func WithKey(ctx context.Context, key apikey.Key) context.Context {
	return context.WithValue(ctx, keyContextKey, key)
}

func KeyFromContext(ctx context.Context) (apikey.Key, bool) {
	v := ctx.Value(keyContextKey)
	if v == nil {
		return apikey.Key{}, false
	}
	k, ok := v.(apikey.Key)
	return k, ok
}
