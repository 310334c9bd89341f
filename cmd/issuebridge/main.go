package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"issuebridge/pkg/apikey"
	"issuebridge/pkg/auth"
	"issuebridge/pkg/bridge"
	"issuebridge/pkg/config"
	"issuebridge/pkg/hardening"
	"issuebridge/pkg/issuebus"
	"issuebridge/pkg/issues"
	"issuebridge/pkg/logging"
	"issuebridge/pkg/metrics"
	"issuebridge/pkg/prefs"
	"issuebridge/pkg/ratelimit"
	"issuebridge/pkg/telemetry"
	"issuebridge/pkg/vault"

	"github.com/spf13/pflag"
)

// Testable variables for main()
var (
	osExit      = os.Exit
	openPrefsFn = prefs.Open
	newCipherFn = func() apikey.Cipher { return vault.New() }
	// started is called once the server is listening.
	started = func(*bridge.Server) {}
	// stderr receives the bootstrap key, which never goes to the log sink.
	stderr io.Writer = os.Stderr
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := pflag.NewFlagSet("issuebridge", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "YAML config file (default $ISSUEBRIDGE_CONFIG)")
	bind := fs.String("bind", "", "bind address, overrides config and stored preference")
	port := fs.Int("port", 0, "listen port, overrides config and stored preference")
	origins := fs.String("origins", "", "comma-separated allowed CORS origins")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Auth.MasterSecret == "" {
		return errors.New("master secret required (auth.master_secret or ISSUEBRIDGE_AUTH_MASTER_SECRET)")
	}

	logger, closeLog, err := logging.New(cfg.Logging())
	if err != nil {
		return err
	}
	defer closeLog.Close()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv(cfg.Telemetry.ServiceName), logger)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	store, closeStore, err := openPrefsFn(ctx, cfg.PrefsOptions())
	if err != nil {
		return fmt.Errorf("open preferences: %w", err)
	}
	defer closeStore()
	if err := config.ApplyPreferences(ctx, store, &cfg); err != nil {
		return err
	}
	if fs.Changed("bind") {
		cfg.Server.BindAddress = *bind
	}
	if fs.Changed("port") {
		cfg.Server.Port = *port
	}
	if fs.Changed("origins") {
		cfg.Server.AllowedOrigins = *origins
	}
	if err := hardening.CheckExposure(cfg.Hardening()); err != nil {
		return err
	}

	keys := bridge.OpenKeys(ctx, store, newCipherFn(), apikey.StaticSecret(cfg.Auth.MasterSecret), logger,
		apikey.WithRefreshInterval(cfg.Auth.KeyRefresh))
	defer func() { _ = keys.Close(context.Background()) }()
	if keys.Len() == 0 {
		if err := bootstrapKey(ctx, cfg, keys, logger); err != nil {
			return err
		}
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	reg := metrics.NewRegistry()
	gate := auth.NewGate(keys, limiter, logger, reg)
	source := issues.NewMemorySource()

	if len(cfg.Kafka.Brokers) > 0 {
		consumer, err := issuebus.NewKafkaConsumer(cfg.IssueBus())
		if err != nil {
			return fmt.Errorf("issue bus: %w", err)
		}
		defer consumer.Close()
		go issuebus.Run(ctx, consumer, source, logger)
		logger.Info("consuming issues from kafka", "topic", cfg.Kafka.Topic)
	}

	srv := bridge.New(cfg.Bridge(), source, gate, bridge.WithLogger(logger), bridge.WithMetrics(reg))
	if err := srv.Start(ctx); err != nil {
		return err
	}
	started(srv)
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(stopCtx)
}

func newLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, func(), error) {
	if cfg.Auth.Limiter != "redis" {
		return ratelimit.NewInMemory(cfg.Auth.RateWindow, cfg.Auth.RateLimit, nil), func() {}, nil
	}
	client, err := prefs.NewRedisClient(ctx, cfg.Redis())
	if err != nil {
		return nil, nil, fmt.Errorf("rate limiter: %w", err)
	}
	return ratelimit.NewRedis(client, cfg.Auth.RateWindow, cfg.Auth.RateLimit), func() { _ = client.Close() }, nil
}

// bootstrapKey makes an empty key set usable. With a persistent backend the
// operator adds keys with bridgectl; the memory backend is private to this
// process, so the server mints one key and prints it once.
func bootstrapKey(ctx context.Context, cfg config.Config, keys *apikey.Store, logger logging.Logger) error {
	if cfg.Prefs.Backend != prefs.BackendMemory {
		logger.Info("no api keys configured; create one with bridgectl gen-key")
		return nil
	}
	key, err := keys.Generate(ctx, "bootstrap")
	if err != nil {
		return fmt.Errorf("generate bootstrap key: %w", err)
	}
	logger.Info("generated a bootstrap api key; the memory backend keeps it until exit")
	fmt.Fprintf(stderr, "issuebridge api key: %s\n", key.Token)
	return nil
}
