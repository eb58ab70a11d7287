package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the composer API process.
// Values come from environment variables with defaults that run locally
// against public Nominatim and in-memory storage.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	GeocoderURL       string
	GeocoderRPS       float64
	GeocoderUserAgent string
	GeocodeCacheTTL   time.Duration

	BackendURL      string
	UpstreamTimeout time.Duration

	SuggestDebounce time.Duration
	SuggestMinChars int
	RecencyLimit    int
	SessionIdleTTL  time.Duration

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		KafkaTopic:        "ride-offers",
		GeocoderURL:       "https://nominatim.openstreetmap.org",
		GeocoderRPS:       1,
		GeocoderUserAgent: "ride-composer/1.0",
		GeocodeCacheTTL:   10 * time.Minute,
		BackendURL:        "http://localhost:9000",
		UpstreamTimeout:   5 * time.Second,
		SuggestDebounce:   300 * time.Millisecond,
		SuggestMinChars:   3,
		RecencyLimit:      3,
		SessionIdleTTL:    30 * time.Minute,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.GeocoderURL, "GEOCODER_URL")
	setFloatFromEnv(&cfg.GeocoderRPS, "GEOCODER_RPS", &errs)
	setStringFromEnv(&cfg.GeocoderUserAgent, "GEOCODER_USER_AGENT")
	setDurationFromEnv(&cfg.GeocodeCacheTTL, "GEOCODE_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.BackendURL, "BACKEND_URL")
	setDurationFromEnv(&cfg.UpstreamTimeout, "UPSTREAM_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.SuggestDebounce, "SUGGEST_DEBOUNCE", &errs)
	setIntFromEnv(&cfg.SuggestMinChars, "SUGGEST_MIN_CHARS", &errs)
	setIntFromEnv(&cfg.RecencyLimit, "RECENCY_LIMIT", &errs)
	setDurationFromEnv(&cfg.SessionIdleTTL, "SESSION_IDLE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.SuggestDebounce <= 0 {
		errs = append(errs, fmt.Errorf("SUGGEST_DEBOUNCE must be > 0"))
	}
	if cfg.SuggestMinChars <= 0 {
		errs = append(errs, fmt.Errorf("SUGGEST_MIN_CHARS must be > 0"))
	}
	if cfg.RecencyLimit <= 0 {
		errs = append(errs, fmt.Errorf("RECENCY_LIMIT must be > 0"))
	}
	if cfg.GeocoderRPS <= 0 {
		errs = append(errs, fmt.Errorf("GEOCODER_RPS must be > 0"))
	}
	if cfg.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the process that mirrors ride-offered events into
// per-user recent routes.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RecencyLimit  int
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "ride-offers",
		KafkaGroup:   "ride-composer-recency",
		RedisAddr:    "localhost:6379",
		RecencyLimit: 3,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RecencyLimit, "RECENCY_LIMIT", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must name at least one broker"))
	}
	if cfg.RecencyLimit <= 0 {
		errs = append(errs, fmt.Errorf("RECENCY_LIMIT must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
