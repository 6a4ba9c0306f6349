// Command mailfetch-server exposes the fetch engine over HTTP.
//
// Configuration is read from the YAML file named by -config (or
// MAILFETCH_CONFIG) and MAILFETCH_* environment variables.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/mailfetch/pkg/breaker"
	"github.com/Sternrassler/mailfetch/pkg/cache"
	"github.com/Sternrassler/mailfetch/pkg/config"
	"github.com/Sternrassler/mailfetch/pkg/fetcher"
	"github.com/Sternrassler/mailfetch/pkg/logging"
	"github.com/Sternrassler/mailfetch/pkg/token"
)

func main() {
	configPath := flag.String("config", os.Getenv("MAILFETCH_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logging.Setup(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	var redisClient *redis.Client
	var store breaker.Store
	var opts []fetcher.Option
	var details *cache.Manager

	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

		store = breaker.NewRedisStore(redisClient, cfg.Redis.BreakerTTL)
		details = cache.NewManager(redisClient, cfg.Redis.CacheTTL)
		opts = append(opts, fetcher.WithCache(details))
	} else {
		log.Warn().Msg("No Redis configured; breaker state is process-local and the detail cache is off")
	}

	ring, err := token.OpenKeyring(cfg.Keyring)
	if err != nil {
		return err
	}

	conn := newConnector(cfg, ring)
	defer conn.Close()

	registry := breaker.NewRegistry(cfg.BreakerConfig(), store, logging.NewLogger("breaker"))
	opts = append(opts, fetcher.WithLogger(logging.NewLogger("fetcher")))

	engine, err := fetcher.New(cfg.FetcherConfig(), conn, registry, opts...)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     newMux(engine, redisClient, cachePurger(details)),
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("backend", cfg.Backend).
			Msg("Starting mailfetch server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// cachePurger keeps a nil manager a nil interface.
func cachePurger(m *cache.Manager) purger {
	if m == nil {
		return nil
	}
	return m
}
