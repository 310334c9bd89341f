// Package config loads bridge settings from defaults, an optional YAML file
// and ISSUEBRIDGE_* environment variables, in increasing precedence.
// Server settings saved in the preference store win over all three.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"issuebridge/pkg/bridge"
	"issuebridge/pkg/hardening"
	"issuebridge/pkg/issuebus"
	"issuebridge/pkg/logging"
	"issuebridge/pkg/prefs"
	"issuebridge/pkg/ratelimit"
	"issuebridge/pkg/telemetry"

	"github.com/spf13/viper"
)

const (
	EnvPrefix     = "ISSUEBRIDGE"
	EnvConfigFile = "ISSUEBRIDGE_CONFIG"

	DefaultKeyRefresh = 30 * time.Second
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Prefs     PrefsConfig     `mapstructure:"prefs"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	BindAddress    string        `mapstructure:"bind_address"`
	Port           int           `mapstructure:"port"`
	AllowedOrigins string        `mapstructure:"allowed_origins"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type AuthConfig struct {
	MasterSecret string        `mapstructure:"master_secret"`
	RateLimit    int           `mapstructure:"rate_limit"`
	RateWindow   time.Duration `mapstructure:"rate_window"`
	// KeyRefresh is how often the server re-reads the key set; 0 disables it.
	KeyRefresh time.Duration `mapstructure:"key_refresh"`
	// Limiter is "memory" or "redis". The redis limiter reuses prefs.redis_*.
	Limiter string `mapstructure:"limiter"`
}

type PrefsConfig struct {
	Backend            string `mapstructure:"backend"` // memory|redis|postgres
	RedisAddr          string `mapstructure:"redis_addr"`
	RedisPassword      string `mapstructure:"redis_password"`
	RedisDB            int    `mapstructure:"redis_db"`
	RedisHash          string `mapstructure:"redis_hash"`
	RedisTLS           bool   `mapstructure:"redis_tls"`
	PostgresDSN        string `mapstructure:"postgres_dsn"`
	PostgresRequireTLS bool   `mapstructure:"postgres_require_tls"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

type LogConfig struct {
	Level        string        `mapstructure:"level"`
	Format       string        `mapstructure:"format"`
	File         string        `mapstructure:"file"`
	RotationTime time.Duration `mapstructure:"rotation_time"`
	MaxAge       time.Duration `mapstructure:"max_age"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_address", bridge.DefaultBindAddress)
	v.SetDefault("server.port", bridge.DefaultPort)
	v.SetDefault("server.allowed_origins", "")
	v.SetDefault("server.poll_interval", bridge.DefaultPollInterval)
	v.SetDefault("server.write_timeout", bridge.DefaultWriteTimeout)
	v.SetDefault("auth.master_secret", "")
	v.SetDefault("auth.rate_limit", ratelimit.DefaultLimit)
	v.SetDefault("auth.rate_window", ratelimit.DefaultWindow)
	v.SetDefault("auth.limiter", "memory")
	v.SetDefault("auth.key_refresh", DefaultKeyRefresh)
	v.SetDefault("prefs.backend", "memory")
	v.SetDefault("prefs.redis_addr", "localhost:6379")
	v.SetDefault("prefs.redis_password", "")
	v.SetDefault("prefs.redis_db", 0)
	v.SetDefault("prefs.redis_hash", prefs.DefaultRedisHash)
	v.SetDefault("prefs.redis_tls", false)
	v.SetDefault("prefs.postgres_dsn", "")
	v.SetDefault("prefs.postgres_require_tls", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("kafka.group_id", "issuebridge")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.rotation_time", 24*time.Hour)
	v.SetDefault("log.max_age", 7*24*time.Hour)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", telemetry.DefaultServiceName)
}

// Load reads configuration. path, or $ISSUEBRIDGE_CONFIG when path is
// empty, names an optional YAML file. Environment variables use the key
// path upper-cased, e.g. ISSUEBRIDGE_SERVER_PORT.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens entries that still carry commas, as values from a
// single environment variable do.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (c Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalid, c.Server.Port)
	}
	if c.Server.PollInterval <= 0 {
		return fmt.Errorf("%w: server.poll_interval must be positive", ErrInvalid)
	}
	if c.Auth.RateLimit <= 0 || c.Auth.RateWindow <= 0 {
		return fmt.Errorf("%w: auth.rate_limit and auth.rate_window must be positive", ErrInvalid)
	}
	if c.Auth.KeyRefresh < 0 {
		return fmt.Errorf("%w: auth.key_refresh must not be negative", ErrInvalid)
	}
	switch c.Auth.Limiter {
	case "memory", "redis":
	default:
		return fmt.Errorf("%w: auth.limiter %q", ErrInvalid, c.Auth.Limiter)
	}
	switch c.Prefs.Backend {
	case "memory", "redis":
	case "postgres":
		if strings.TrimSpace(c.Prefs.PostgresDSN) == "" {
			return fmt.Errorf("%w: prefs.postgres_dsn required for postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: prefs.backend %q", ErrInvalid, c.Prefs.Backend)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.Topic) == "" {
		return fmt.Errorf("%w: kafka.topic required when brokers are set", ErrInvalid)
	}
	return nil
}

// ApplyPreferences overrides the server address, port and allowed origins
// with values saved in the preference store.
func ApplyPreferences(ctx context.Context, store prefs.Store, cfg *Config) error {
	if v, ok, err := prefs.Lookup(ctx, store, prefs.KeyBindAddress); err != nil {
		return err
	} else if ok && strings.TrimSpace(v) != "" {
		cfg.Server.BindAddress = strings.TrimSpace(v)
	}
	if v, ok, err := prefs.Lookup(ctx, store, prefs.KeyPort); err != nil {
		return err
	} else if ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 0 || port > 65535 {
			return fmt.Errorf("%w: stored port %q", ErrInvalid, v)
		}
		cfg.Server.Port = port
	}
	if v, ok, err := prefs.Lookup(ctx, store, prefs.KeyAllowedOrigins); err != nil {
		return err
	} else if ok {
		cfg.Server.AllowedOrigins = v
	}
	return nil
}

// SavePreferences writes the server address, port and allowed origins as
// separate plaintext entries.
func SavePreferences(ctx context.Context, store prefs.Store, server ServerConfig) error {
	entries := []struct{ key, value string }{
		{prefs.KeyBindAddress, server.BindAddress},
		{prefs.KeyPort, strconv.Itoa(server.Port)},
		{prefs.KeyAllowedOrigins, server.AllowedOrigins},
	}
	for _, e := range entries {
		if err := store.Set(ctx, e.key, e.value); err != nil {
			return fmt.Errorf("save %s: %w", e.key, err)
		}
	}
	return nil
}

func (c Config) Bridge() bridge.Config {
	cfg := bridge.Config{
		BindAddress:    c.Server.BindAddress,
		Port:           c.Server.Port,
		AllowedOrigins: c.Server.AllowedOrigins,
		PollInterval:   c.Server.PollInterval,
		WriteTimeout:   c.Server.WriteTimeout,
	}
	if c.Telemetry.Enabled {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	return cfg
}

func (c Config) Logging() logging.Options {
	return logging.Options{
		Level:        c.Log.Level,
		Format:       c.Log.Format,
		File:         c.Log.File,
		RotationTime: c.Log.RotationTime,
		MaxAge:       c.Log.MaxAge,
	}
}

func (c Config) IssueBus() issuebus.KafkaConfig {
	return issuebus.KafkaConfig{
		Brokers: append([]string(nil), c.Kafka.Brokers...),
		Topic:   c.Kafka.Topic,
		GroupID: c.Kafka.GroupID,
	}
}

func (c Config) Redis() prefs.RedisOptions {
	return prefs.RedisOptions{
		Addr:     c.Prefs.RedisAddr,
		Password: c.Prefs.RedisPassword,
		DB:       c.Prefs.RedisDB,
		TLS:      c.Prefs.RedisTLS,
	}
}

func (c Config) PrefsOptions() prefs.Options {
	return prefs.Options{
		Backend:            c.Prefs.Backend,
		Redis:              c.Redis(),
		RedisHash:          c.Prefs.RedisHash,
		PostgresDSN:        c.Prefs.PostgresDSN,
		PostgresRequireTLS: c.Prefs.PostgresRequireTLS,
	}
}

func (c Config) Hardening() hardening.Options {
	return hardening.Options{
		BindAddress:        c.Server.BindAddress,
		MasterSecret:       c.Auth.MasterSecret,
		AllowedOrigins:     c.Server.AllowedOrigins,
		UsesRedis:          c.Prefs.Backend == prefs.BackendRedis || c.Auth.Limiter == "redis",
		RedisTLS:           c.Prefs.RedisTLS,
		UsesPostgres:       c.Prefs.Backend == prefs.BackendPostgres,
		PostgresRequireTLS: c.Prefs.PostgresRequireTLS,
	}
}
