package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/copurchase/internal/data/assoc"
	"github.com/yungbote/copurchase/internal/data/catalog"
	"github.com/yungbote/copurchase/internal/events"
	"github.com/yungbote/copurchase/internal/observability"
	"github.com/yungbote/copurchase/internal/platform/envutil"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"

	EventSourceNone  = "none"
	EventSourceRedis = "redis"
	EventSourceAMQP  = "amqp"
)

type Config struct {
	LogMode string                   `yaml:"log_mode"`
	Store   StoreConfig              `yaml:"store"`
	Events  EventsConfig             `yaml:"events"`
	Catalog CatalogConfig            `yaml:"catalog"`
	Otel    observability.OtelConfig `yaml:"otel"`
}

type StoreConfig struct {
	Backend         string        `yaml:"backend"`
	KeyPrefix       string        `yaml:"key_prefix"`
	DeleteBatchSize int           `yaml:"delete_batch_size"`
	Redis           RedisSettings `yaml:"redis"`
	PostgresDSN     string        `yaml:"postgres_dsn"`
	SQLitePath      string        `yaml:"sqlite_path"`
}

type RedisSettings struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (r RedisSettings) client() assoc.RedisConfig {
	return assoc.RedisConfig{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

type EventsConfig struct {
	Source       string        `yaml:"source"`
	RedisChannel string        `yaml:"redis_channel"`
	AMQPURI      string        `yaml:"amqp_uri"`
	AMQPQueue    string        `yaml:"amqp_queue"`
	Workers      int           `yaml:"workers"`
	Prefetch     int           `yaml:"prefetch"`
	RequeueDelay time.Duration `yaml:"requeue_delay"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Table       string `yaml:"table"`
}

type ConfigErrorCode string

const (
	ConfigErrorUnreadableFile      ConfigErrorCode = "unreadable_file"
	ConfigErrorInvalidFile         ConfigErrorCode = "invalid_file"
	ConfigErrorUnknownBackend      ConfigErrorCode = "unknown_backend"
	ConfigErrorMissingRedisAddr    ConfigErrorCode = "missing_redis_addr"
	ConfigErrorMissingPostgresDSN  ConfigErrorCode = "missing_postgres_dsn"
	ConfigErrorMissingSQLitePath   ConfigErrorCode = "missing_sqlite_path"
	ConfigErrorUnknownEventSource  ConfigErrorCode = "unknown_event_source"
	ConfigErrorMissingAMQPURI      ConfigErrorCode = "missing_amqp_uri"
	ConfigErrorInvalidRedisDB      ConfigErrorCode = "invalid_redis_db"
	ConfigErrorInvalidDeleteBatch  ConfigErrorCode = "invalid_delete_batch"
	ConfigErrorInvalidWorkersCount ConfigErrorCode = "invalid_workers"
)

type ConfigError struct {
	Code  ConfigErrorCode
	Value string
	Cause error
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "invalid recommender config"
	}
	switch e.Code {
	case ConfigErrorUnreadableFile:
		return fmt.Sprintf("cannot read RECOMMENDER_CONFIG=%q: %v", e.Value, e.Cause)
	case ConfigErrorInvalidFile:
		return fmt.Sprintf("invalid YAML in RECOMMENDER_CONFIG=%q: %v", e.Value, e.Cause)
	case ConfigErrorUnknownBackend:
		return fmt.Sprintf("invalid STORE_BACKEND=%q; expected redis, postgres, sqlite or memory", e.Value)
	case ConfigErrorMissingRedisAddr:
		return "REDIS_ADDR is required for the redis store and redis event source"
	case ConfigErrorMissingPostgresDSN:
		return "POSTGRES_DSN is required for STORE_BACKEND=postgres"
	case ConfigErrorMissingSQLitePath:
		return "SQLITE_PATH is required for STORE_BACKEND=sqlite"
	case ConfigErrorUnknownEventSource:
		return fmt.Sprintf("invalid EVENT_SOURCE=%q; expected none, redis or amqp", e.Value)
	case ConfigErrorMissingAMQPURI:
		return "RABBITMQ_URI is required for EVENT_SOURCE=amqp"
	case ConfigErrorInvalidRedisDB:
		return fmt.Sprintf("invalid RECOMMENDER_REDIS_DB=%q; expected 0..15", e.Value)
	case ConfigErrorInvalidDeleteBatch:
		return fmt.Sprintf("invalid RECOMMENDER_DELETE_BATCH=%q; expected positive integer", e.Value)
	case ConfigErrorInvalidWorkersCount:
		return fmt.Sprintf("invalid ORDER_EVENT_WORKERS=%q; expected positive integer", e.Value)
	default:
		return "invalid recommender config"
	}
}

func (e *ConfigError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// DefaultConfig mirrors the shop deployment: recommender data in its own Redis DB (3).
func DefaultConfig() Config {
	return Config{
		LogMode: "development",
		Store: StoreConfig{
			Backend:         BackendRedis,
			DeleteBatchSize: 500,
			Redis: RedisSettings{
				Addr:        "localhost:6379",
				DB:          3,
				DialTimeout: 5 * time.Second,
				ReadTimeout: 3 * time.Second,
			},
		},
		Events: EventsConfig{
			Source:       EventSourceNone,
			RedisChannel: events.DefaultRedisChannel,
			AMQPQueue:    events.DefaultAMQPQueue,
			Workers:      4,
			Prefetch:     10,
			RequeueDelay: events.DefaultRequeueDelay,
		},
		Catalog: CatalogConfig{Table: catalog.DefaultTable},
		Otel: observability.OtelConfig{
			ServiceName: "copurchase-recommender",
			SampleRatio: 0.1,
		},
	}
}

// ResolveConfigFromEnv layers defaults, the optional RECOMMENDER_CONFIG YAML file and
// environment variables, in that order, then validates the result.
func ResolveConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if path := strings.TrimSpace(os.Getenv("RECOMMENDER_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, &ConfigError{Code: ConfigErrorUnreadableFile, Value: path, Cause: err}
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, &ConfigError{Code: ConfigErrorInvalidFile, Value: path, Cause: err}
		}
	}

	cfg.LogMode = envutil.String("LOG_MODE", cfg.LogMode)

	cfg.Store.Backend = strings.ToLower(envutil.String("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.KeyPrefix = envutil.String("RECOMMENDER_KEY_PREFIX", cfg.Store.KeyPrefix)
	cfg.Store.DeleteBatchSize = envutil.Int("RECOMMENDER_DELETE_BATCH", cfg.Store.DeleteBatchSize)
	cfg.Store.Redis.Addr = envutil.String("REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = envutil.String("REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = envutil.Int("RECOMMENDER_REDIS_DB", cfg.Store.Redis.DB)
	cfg.Store.Redis.DialTimeout = envutil.Duration("REDIS_DIAL_TIMEOUT", cfg.Store.Redis.DialTimeout)
	cfg.Store.Redis.ReadTimeout = envutil.Duration("REDIS_READ_TIMEOUT", cfg.Store.Redis.ReadTimeout)
	cfg.Store.Redis.WriteTimeout = envutil.Duration("REDIS_WRITE_TIMEOUT", cfg.Store.Redis.WriteTimeout)
	cfg.Store.PostgresDSN = envutil.String("POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.SQLitePath = envutil.String("SQLITE_PATH", cfg.Store.SQLitePath)

	cfg.Events.Source = strings.ToLower(envutil.String("EVENT_SOURCE", cfg.Events.Source))
	cfg.Events.RedisChannel = envutil.String("ORDER_EVENTS_CHANNEL", cfg.Events.RedisChannel)
	cfg.Events.AMQPURI = envutil.String("RABBITMQ_URI", cfg.Events.AMQPURI)
	cfg.Events.AMQPQueue = envutil.String("ORDER_EVENTS_QUEUE", cfg.Events.AMQPQueue)
	cfg.Events.Workers = envutil.Int("ORDER_EVENT_WORKERS", cfg.Events.Workers)
	cfg.Events.Prefetch = envutil.Int("ORDER_EVENT_PREFETCH", cfg.Events.Prefetch)
	cfg.Events.RequeueDelay = envutil.Duration("ORDER_EVENT_REQUEUE_DELAY", cfg.Events.RequeueDelay)

	cfg.Catalog.PostgresDSN = envutil.String("CATALOG_POSTGRES_DSN", cfg.Catalog.PostgresDSN)
	cfg.Catalog.Table = envutil.String("CATALOG_TABLE", cfg.Catalog.Table)

	cfg.Otel.Enabled = envutil.Bool("OTEL_ENABLED", cfg.Otel.Enabled)
	cfg.Otel.ServiceName = envutil.String("OTEL_SERVICE_NAME", cfg.Otel.ServiceName)
	cfg.Otel.Environment = envutil.String("APP_ENV", cfg.Otel.Environment)
	cfg.Otel.Version = envutil.String("APP_VERSION", cfg.Otel.Version)
	cfg.Otel.Endpoint = envutil.String("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Otel.Endpoint)
	cfg.Otel.Insecure = envutil.Bool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Otel.Insecure)
	cfg.Otel.SampleRatio = envutil.Float("OTEL_SAMPLER_RATIO", cfg.Otel.SampleRatio)
	if h := observability.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); h != nil {
		cfg.Otel.Headers = h
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return &ConfigError{Code: ConfigErrorMissingRedisAddr}
		}
	case BackendPostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return &ConfigError{Code: ConfigErrorMissingPostgresDSN}
		}
	case BackendSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return &ConfigError{Code: ConfigErrorMissingSQLitePath}
		}
	case BackendMemory:
	default:
		return &ConfigError{Code: ConfigErrorUnknownBackend, Value: c.Store.Backend}
	}
	if c.Store.Redis.DB < 0 || c.Store.Redis.DB > 15 {
		return &ConfigError{Code: ConfigErrorInvalidRedisDB, Value: fmt.Sprint(c.Store.Redis.DB)}
	}
	if c.Store.DeleteBatchSize <= 0 {
		return &ConfigError{Code: ConfigErrorInvalidDeleteBatch, Value: fmt.Sprint(c.Store.DeleteBatchSize)}
	}

	switch c.Events.Source {
	case EventSourceNone:
	case EventSourceRedis:
		if strings.TrimSpace(c.Store.Redis.Addr) == "" {
			return &ConfigError{Code: ConfigErrorMissingRedisAddr}
		}
	case EventSourceAMQP:
		if strings.TrimSpace(c.Events.AMQPURI) == "" {
			return &ConfigError{Code: ConfigErrorMissingAMQPURI}
		}
		if c.Events.Workers <= 0 {
			return &ConfigError{Code: ConfigErrorInvalidWorkersCount, Value: fmt.Sprint(c.Events.Workers)}
		}
	default:
		return &ConfigError{Code: ConfigErrorUnknownEventSource, Value: c.Events.Source}
	}
	return nil
}
