package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-composer/internal/backend"
	"github.com/example/ride-composer/internal/composer"
	"github.com/example/ride-composer/internal/config"
	"github.com/example/ride-composer/internal/dispatch"
	"github.com/example/ride-composer/internal/events"
	"github.com/example/ride-composer/internal/geocode"
	httpapi "github.com/example/ride-composer/internal/http"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/resolver"
	"github.com/example/ride-composer/internal/storage"
	"github.com/example/ride-composer/internal/submit"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "composer-server")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(cfg.PGDSN, logger)
	}

	store, ready, closeStore := openStore(cfg, logger)
	defer closeStore()

	var publisher events.Publisher = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() {
			_ = kp.Close()
		}()
		publisher = kp
	}

	geocoder := geocode.NewClient(geocode.Options{
		Endpoint:  cfg.GeocoderURL,
		UserAgent: cfg.GeocoderUserAgent,
		Timeout:   cfg.UpstreamTimeout,
		RPS:       cfg.GeocoderRPS,
		CacheTTL:  cfg.GeocodeCacheTTL,
	}, logger)
	rides := backend.NewClient(cfg.BackendURL, cfg.UpstreamTimeout)

	sessions := composer.NewManager(composer.Deps{
		Geocoder: geocoder,
		Vehicles: rides,
		Rides:    rides,
		Pipeline: &submit.Pipeline{Creator: rides, Store: store, Events: publisher, Log: logger},
		Store:    store,
		Resolver: resolver.Options{
			Debounce: cfg.SuggestDebounce,
			MinChars: cfg.SuggestMinChars,
		},
		RecencyLimit: cfg.RecencyLimit,
		Log:          logger,
	}, cfg.SessionIdleTTL)
	go sessions.Run(ctx)

	api := httpapi.NewServer(sessions, dispatch.NewWSRegistry(logger), ready, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-composer listening", "addr", cfg.HTTPAddr, "backend", cfg.BackendURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

// openStore picks Postgres, then Redis, then memory, in that order of
// preference. A configured backend that cannot be reached falls through to
// the next one.
func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, func(context.Context) error, func()) {
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err == nil {
			logger.Info("using postgres store")
			return ps, ps.Ping, func() { _ = ps.Close() }
		}
		logger.Error("postgres store unavailable", "error", err)
	}
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		rs := storage.NewRedisStore(rc, storage.KeyPrefix)
		logger.Info("using redis store", "addr", cfg.RedisAddr)
		return rs, rs.Ping, func() { _ = rc.Close() }
	}
	logger.Warn("no persistent store configured, recent routes live in memory")
	return storage.NewMemoryStore(), nil, func() {}
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open error", "error", err)
		return
	}
	defer func() {
		_ = db.Close()
	}()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_composer_kv.sql"))
	if err != nil {
		logger.Error("migration read error", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec error", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_create_composer_kv.sql")
}
