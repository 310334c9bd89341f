package httpx

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	CORSAllowMethods = "GET, POST, OPTIONS"
	CORSAllowHeaders = "Authorization, Content-Type"
	CORSMaxAge       = "3600"
)

// SecurityHeadersMiddleware applies baseline hardening headers to API responses.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// OriginAllowlist holds explicitly configured origins. Loopback origins
// (localhost and 127.0.0.1 on any port) are always accepted. A "*" entry is
// ignored: the response always names a single origin.
type OriginAllowlist struct {
	origins map[string]struct{}
}

func ParseOrigins(raw string) OriginAllowlist {
	allowed := OriginAllowlist{origins: map[string]struct{}{}}
	for _, part := range strings.Split(raw, ",") {
		origin := strings.TrimRight(strings.TrimSpace(part), "/")
		if origin == "" || origin == "*" {
			continue
		}
		allowed.origins[origin] = struct{}{}
	}
	return allowed
}

func (a OriginAllowlist) Allows(origin string) bool {
	if origin == "" {
		return false
	}
	if _, ok := a.origins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Path != "" {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// WebSocketPatterns returns host patterns for the websocket origin check,
// covering the same origins as Allows.
func (a OriginAllowlist) WebSocketPatterns() []string {
	patterns := []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"}
	for _, origin := range a.Origins() {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

// Origins lists the configured origins, excluding the loopback defaults.
func (a OriginAllowlist) Origins() []string {
	out := make([]string, 0, len(a.origins))
	for origin := range a.origins {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}

// CORSMiddleware reflects the request origin when it is allowed and answers
// every OPTIONS request itself, before any authentication runs.
func CORSMiddleware(allowed OriginAllowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			ok := allowed.Allows(origin)
			h := w.Header()
			if origin != "" {
				h.Add("Vary", "Origin")
			}
			if ok {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			if origin != "" && !ok {
				Error(w, http.StatusForbidden, "origin not allowed")
				return
			}
			if ok {
				h.Set("Access-Control-Allow-Methods", CORSAllowMethods)
				h.Set("Access-Control-Allow-Headers", CORSAllowHeaders)
				h.Set("Access-Control-Max-Age", CORSMaxAge)
			}
			w.WriteHeader(http.StatusNoContent)
		})
	}
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func Error(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]interface{}{"error": msg})
}
