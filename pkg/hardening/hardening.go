// Package hardening refuses insecure settings once the bridge listens on a
// non-loopback address.
package hardening

import (
	"fmt"
	"net"
	"strings"
)

const MinMasterSecretLen = 16

type Options struct {
	BindAddress        string
	MasterSecret       string
	AllowedOrigins     string
	UsesRedis          bool
	RedisTLS           bool
	UsesPostgres       bool
	PostgresRequireTLS bool
}

// Exposed reports whether addr is reachable from other hosts.
func Exposed(addr string) bool {
	host := strings.TrimSpace(addr)
	if host == "" || strings.EqualFold(host, "localhost") {
		return false
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return true
	}
	return !ip.IsLoopback()
}

// CheckExposure is a no-op for loopback binds.
func CheckExposure(o Options) error {
	if !Exposed(o.BindAddress) {
		return nil
	}
	where := fmt.Sprintf("bridge bound to %s", o.BindAddress)
	if len(o.MasterSecret) < MinMasterSecretLen {
		return fmt.Errorf("%s: master secret must be at least %d characters", where, MinMasterSecretLen)
	}
	if o.UsesRedis && !o.RedisTLS {
		return fmt.Errorf("%s: redis requires TLS", where)
	}
	if o.UsesPostgres && !o.PostgresRequireTLS {
		return fmt.Errorf("%s: postgres requires TLS", where)
	}
	return validateOrigins(o.AllowedOrigins, where)
}

func validateOrigins(raw, where string) error {
	for _, origin := range strings.Split(raw, ",") {
		o := strings.ToLower(strings.TrimSpace(origin))
		if o == "" {
			continue
		}
		if o == "*" {
			return fmt.Errorf("%s: wildcard CORS origin is not allowed", where)
		}
		if !strings.HasPrefix(o, "https://") {
			return fmt.Errorf("%s: CORS origin %q must use https", where, strings.TrimSpace(origin))
		}
	}
	return nil
}
