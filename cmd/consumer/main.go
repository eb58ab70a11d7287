package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-composer/internal/config"
	"github.com/example/ride-composer/internal/events"
	"github.com/example/ride-composer/internal/logging"
	"github.com/example/ride-composer/internal/models"
	"github.com/example/ride-composer/internal/recency"
	"github.com/example/ride-composer/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride offered messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	routeUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_route_updates_total",
		Help: "Total recent route lists updated",
	})
	routeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_route_errors_total",
		Help: "Total recent route updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, routeUpdates, routeErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, "composer-consumer")
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	recorder := &recencyRecorder{
		store: storage.NewRedisStore(rc, storage.KeyPrefix),
		limit: cfg.RecencyLimit,
		log:   logger,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	if err := consume(ctx, r, recorder, logger); err != nil {
		logger.Error("consumer stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutting down consumer")
}

// messageReader is the part of *kafka.Reader the loop needs.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads ride offered events until ctx is cancelled. Read errors back
// off exponentially up to maxReadBackoff.
func consume(ctx context.Context, r messageReader, rr RouteRecorder, logger *slog.Logger) error {
	backoff := minReadBackoff
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxReadBackoff)
			continue
		}
		backoff = minReadBackoff
		handleMessage(ctx, m, rr, logger)
	}
}

const (
	minReadBackoff = time.Second
	maxReadBackoff = 30 * time.Second
)

func handleMessage(ctx context.Context, m kafka.Message, rr RouteRecorder, logger *slog.Logger) {
	msgsConsumed.Inc()

	ev, err := events.Decode(m.Value)
	if err != nil || ev.UserID <= 0 {
		msgsInvalid.Inc()
		logger.Warn("invalid message", "partition", m.Partition, "offset", m.Offset, "error", err)
		return
	}

	if err := recordWithRetry(ctx, rr, ev, 3, 200*time.Millisecond); err != nil {
		routeErrors.Inc()
		logger.Error("recent route update failed", "user_id", ev.UserID, "ride_id", ev.RideID, "error", err)
		return
	}
	routeUpdates.Inc()
}

// RouteRecorder stores a route as the most recent one of a user.
type RouteRecorder interface {
	RecordRoute(ctx context.Context, userID int64, e models.SearchEntry) error
}

type recencyRecorder struct {
	store storage.Store
	limit int
	log   *slog.Logger
}

func (r *recencyRecorder) RecordRoute(ctx context.Context, userID int64, e models.SearchEntry) error {
	_, err := recency.InsertRoute(ctx, recency.NewRoutes(r.store, userID, r.limit, r.log), e)
	return err
}

var errInvalidRoute = errors.New("event route has no addresses")

// recordWithRetry writes the event's route with exponential backoff between
// attempts. Events without a usable route are rejected without retrying.
func recordWithRetry(ctx context.Context, rr RouteRecorder, ev events.RideOffered, attempts int, delay time.Duration) error {
	e := ev.SearchEntry()
	if !models.ValidSearchEntry(e) {
		return errInvalidRoute
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = rr.RecordRoute(ctx, ev.UserID, e); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
