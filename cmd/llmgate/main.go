package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"llmgate/internal/broker"
	"llmgate/internal/cache"
	"llmgate/internal/catalog"
	"llmgate/internal/config"
	"llmgate/internal/crypto"
	"llmgate/internal/metrics"
	"llmgate/internal/reconcile"
	"llmgate/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("db_driver", cfg.DB.Driver).
		Bool("allow_user_platforms", cfg.Broker.AllowUserPlatforms).
		Bool("auto_key", cfg.Broker.AutoKey).
		Msg("starting llmgate")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	keyring, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	var viewCache *cache.ViewCache
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		viewCache = cache.NewViewCache(rdb, "llmgate:views", cfg.Redis.CacheTTL)
	}

	m := metrics.Global()

	if err := runSync(ctx, cfg, store, keyring, m); err != nil {
		log.Fatal().Err(err).Msg("catalog sync failed")
	}

	gate := broker.New(broker.Config{
		Store:              store,
		Keyring:            keyring,
		Cache:              viewCache,
		Logger:             log.Logger,
		Metrics:            m,
		AllowUserPlatforms: cfg.Broker.AllowUserPlatforms,
		AutoKey:            cfg.Broker.AutoKey,
		HTTPClient:         &http.Client{Timeout: cfg.HTTP.ClientTimeout},
	})

	errCh := make(chan error, 2)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.Usage.Retention > 0 {
		go runPurgeLoop(ctx, gate, cfg.Usage.Retention, cfg.Usage.PurgeInterval)
		log.Info().Dur("retention", cfg.Usage.Retention).Msg("usage purge loop started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func runSync(ctx context.Context, cfg *config.Config, store *storage.Store, keyring *crypto.Keyring, m *metrics.Metrics) error {
	cat, err := catalog.Load(cfg.Sync.CatalogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Warn().Str("path", cfg.Sync.CatalogPath).Msg("no catalog file, skipping sync")
			return nil
		}
		return err
	}

	engine := reconcile.NewEngine(store, keyring, log.Logger, m)
	strategy := reconcile.Strategy("")
	if cfg.Sync.ForceReset {
		strategy = reconcile.ForceReset
	} else {
		strategy, err = engine.AutoStrategy(ctx)
		if err != nil {
			return err
		}
	}

	report, err := engine.Reconcile(ctx, cat, strategy)
	if err != nil {
		return err
	}
	for _, sk := range report.Skipped {
		log.Warn().Str("platform", sk.Platform).Str("model", sk.Model).Str("reason", sk.Reason).Msg("catalog entry skipped")
	}
	return nil
}

func runPurgeLoop(ctx context.Context, gate *broker.Broker, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gate.PurgeUsage(ctx, retention); err != nil {
				log.Error().Err(err).Msg("usage purge failed")
			}
		}
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
