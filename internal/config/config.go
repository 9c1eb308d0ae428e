package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ClientConfig captures all tunable parameters for the tracking client
// process. Defaults are overlaid first by an optional YAML file named in
// BUS_CONFIG_FILE, then by environment variables, so the binary can run
// locally with nothing but BACKEND_BASE_URL set.
type ClientConfig struct {
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	BackendBaseURL string        `validate:"required,url"`
	BackendTimeout time.Duration `validate:"gt=0"`

	PollInterval      time.Duration `validate:"gt=0"`
	PollDegradedAfter int           `validate:"gte=1"`
	PollMaxBackoff    time.Duration `validate:"gtefield=PollInterval"`

	AnimationDuration time.Duration `validate:"gt=0"`
	AnimationSamples  int           `validate:"gte=2"`

	SearchCacheTTL time.Duration `validate:"gte=0"`
	CancelTimeout  time.Duration `validate:"gt=0"`

	RedisAddr      string
	RedisPassword  string
	RedisKeyPrefix string `validate:"required"`

	KafkaBrokers []string
	KafkaTopic   string `validate:"required"`

	PGDSN string

	StripeAPIKey string
	FareCurrency string `validate:"len=3"`

	LogLevel      string `validate:"oneof=debug info warn warning error"`
	RunMigrations bool
}

// ConsumerConfig configures the position consumer that mirrors the Kafka
// topic into a Redis GEO set.
type ConsumerConfig struct {
	MetricsAddr  string   `validate:"required"`
	KafkaBrokers []string `validate:"min=1"`
	KafkaTopic   string   `validate:"required"`
	KafkaGroup   string   `validate:"required"`
	RedisAddr    string   `validate:"required"`
	RedisGeoKey  string   `validate:"required"`
	LogLevel     string   `validate:"oneof=debug info warn warning error"`
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		HTTPAddr:          ":8080",
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		BackendTimeout:    10 * time.Second,
		PollInterval:      5 * time.Second,
		PollDegradedAfter: 3,
		PollMaxBackoff:    60 * time.Second,
		AnimationDuration: 3 * time.Second,
		AnimationSamples:  45,
		SearchCacheTTL:    60 * time.Second,
		CancelTimeout:     10 * time.Second,
		RedisKeyPrefix:    "fleet:search:",
		KafkaTopic:        "bus-positions",
		FareCurrency:      "inr",
		LogLevel:          "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "bus-positions",
		KafkaGroup:   "bus-tracking-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "buses_geo",
		LogLevel:     "info",
	}
}

var validate = validator.New()

// LoadDotEnv reads a .env file into the process environment when one is
// present. Variables already set win.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func LoadClientConfig() (ClientConfig, error) {
	cfg := defaultClientConfig()
	var errs []error

	if path := strings.TrimSpace(os.Getenv("BUS_CONFIG_FILE")); path != "" {
		if err := overlayYAML(&cfg, path); err != nil {
			errs = append(errs, err)
		}
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.BackendBaseURL, "BACKEND_BASE_URL")
	cfg.BackendBaseURL = strings.TrimRight(cfg.BackendBaseURL, "/")
	setDurationFromEnv(&cfg.BackendTimeout, "BACKEND_TIMEOUT", &errs)

	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.PollDegradedAfter, "POLL_DEGRADED_AFTER", &errs)
	setDurationFromEnv(&cfg.PollMaxBackoff, "POLL_MAX_BACKOFF", &errs)

	setDurationFromEnv(&cfg.AnimationDuration, "ANIMATION_DURATION", &errs)
	setIntFromEnv(&cfg.AnimationSamples, "ANIMATION_SAMPLES", &errs)

	setDurationFromEnv(&cfg.SearchCacheTTL, "SEARCH_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.CancelTimeout, "CANCEL_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisKeyPrefix, "REDIS_KEY_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")
	cfg.FareCurrency = strings.ToLower(cfg.FareCurrency)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}
	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if err := validate.Struct(cfg); err != nil {
		errs = append(errs, fieldErrors(err)...)
	}
	return cfg, errors.Join(errs...)
}

// yamlOverlay mirrors ClientConfig with durations as strings so files can
// say "5s" instead of nanoseconds.
type yamlOverlay struct {
	HTTPAddr          string   `yaml:"http_addr"`
	BackendBaseURL    string   `yaml:"backend_base_url"`
	BackendTimeout    string   `yaml:"backend_timeout"`
	PollInterval      string   `yaml:"poll_interval"`
	PollDegradedAfter int      `yaml:"poll_degraded_after"`
	PollMaxBackoff    string   `yaml:"poll_max_backoff"`
	AnimationDuration string   `yaml:"animation_duration"`
	AnimationSamples  int      `yaml:"animation_samples"`
	SearchCacheTTL    string   `yaml:"search_cache_ttl"`
	CancelTimeout     string   `yaml:"cancel_timeout"`
	RedisAddr         string   `yaml:"redis_addr"`
	RedisKeyPrefix    string   `yaml:"redis_key_prefix"`
	KafkaBrokers      []string `yaml:"kafka_brokers"`
	KafkaTopic        string   `yaml:"kafka_topic"`
	FareCurrency      string   `yaml:"fare_currency"`
	LogLevel          string   `yaml:"log_level"`
	Migrate           *bool    `yaml:"migrate"`
}

func overlayYAML(cfg *ClientConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read BUS_CONFIG_FILE: %w", err)
	}
	var o yamlOverlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	var errs []error
	setString(&cfg.HTTPAddr, o.HTTPAddr)
	setString(&cfg.BackendBaseURL, o.BackendBaseURL)
	setString(&cfg.RedisAddr, o.RedisAddr)
	setString(&cfg.RedisKeyPrefix, o.RedisKeyPrefix)
	setString(&cfg.KafkaTopic, o.KafkaTopic)
	setString(&cfg.FareCurrency, o.FareCurrency)
	setString(&cfg.LogLevel, o.LogLevel)
	if len(o.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = o.KafkaBrokers
	}
	if o.PollDegradedAfter != 0 {
		cfg.PollDegradedAfter = o.PollDegradedAfter
	}
	if o.AnimationSamples != 0 {
		cfg.AnimationSamples = o.AnimationSamples
	}
	if o.Migrate != nil {
		cfg.RunMigrations = *o.Migrate
	}
	setDuration(&cfg.BackendTimeout, "backend_timeout", o.BackendTimeout, &errs)
	setDuration(&cfg.PollInterval, "poll_interval", o.PollInterval, &errs)
	setDuration(&cfg.PollMaxBackoff, "poll_max_backoff", o.PollMaxBackoff, &errs)
	setDuration(&cfg.AnimationDuration, "animation_duration", o.AnimationDuration, &errs)
	setDuration(&cfg.SearchCacheTTL, "search_cache_ttl", o.SearchCacheTTL, &errs)
	setDuration(&cfg.CancelTimeout, "cancel_timeout", o.CancelTimeout, &errs)
	return errors.Join(errs...)
}

// fieldErrors names each failing field by its environment variable so
// the startup error is actionable.
func fieldErrors(err error) []error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []error{err}
	}
	out := make([]error, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, fmt.Errorf("invalid %s: failed %q", envName(fe.StructField()), fe.Tag()))
	}
	return out
}

var envNames = map[string]string{
	"HTTPAddr":          "HTTP_ADDR",
	"ReadTimeout":       "HTTP_READ_TIMEOUT",
	"WriteTimeout":      "HTTP_WRITE_TIMEOUT",
	"IdleTimeout":       "HTTP_IDLE_TIMEOUT",
	"ShutdownTimeout":   "HTTP_SHUTDOWN_TIMEOUT",
	"BackendBaseURL":    "BACKEND_BASE_URL",
	"BackendTimeout":    "BACKEND_TIMEOUT",
	"PollInterval":      "POLL_INTERVAL",
	"PollDegradedAfter": "POLL_DEGRADED_AFTER",
	"PollMaxBackoff":    "POLL_MAX_BACKOFF",
	"AnimationDuration": "ANIMATION_DURATION",
	"AnimationSamples":  "ANIMATION_SAMPLES",
	"SearchCacheTTL":    "SEARCH_CACHE_TTL",
	"CancelTimeout":     "CANCEL_TIMEOUT",
	"RedisKeyPrefix":    "REDIS_KEY_PREFIX",
	"KafkaBrokers":      "KAFKA_BROKERS",
	"KafkaTopic":        "KAFKA_TOPIC",
	"KafkaGroup":        "KAFKA_GROUP",
	"RedisAddr":         "REDIS_ADDR",
	"RedisGeoKey":       "REDIS_GEO_KEY",
	"MetricsAddr":       "METRICS_ADDR",
	"FareCurrency":      "FARE_CURRENCY",
	"LogLevel":          "LOG_LEVEL",
}

func envName(field string) string {
	if n, ok := envNames[field]; ok {
		return n
	}
	return field
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	setDuration(target, key, os.Getenv(key), errs)
}

func setDuration(target *time.Duration, key, v string, errs *[]error) {
	if v = strings.TrimSpace(v); v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
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
	setString(target, os.Getenv(key))
}

func setString(target *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
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
