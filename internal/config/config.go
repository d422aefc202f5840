package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации сервиса воспроизведения.
// Источники по приоритету: переменные окружения -> YAML -> значения по умолчанию.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Cache      CacheConfig      `yaml:"cache"`
	Builder    BuilderConfig    `yaml:"builder"`
	Replay     ReplayConfig     `yaml:"replay"`
	TimeSeries TimeSeriesConfig `yaml:"timeseries"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Notify     NotifyConfig     `yaml:"notify"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port" env:"REPLAY_REST_PORT"`
	MetricsPort int `yaml:"metrics_port" env:"REPLAY_METRICS_PORT"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"REPLAY_LOG_LEVEL"`
	Dir   string `yaml:"dir" env:"REPLAY_LOG_DIR"`
	// Components уровни отдельных компонентов: replay: debug, cache: warn.
	Components map[string]string `yaml:"components"`
}

// CacheConfig настройки кеша таймлайнов.
// По умолчанию 1000 записей, 30 минут.
type CacheConfig struct {
	Backend          string        `yaml:"backend" env:"CACHE_BACKEND"` // memory | redis
	MaximumSize      int           `yaml:"maximum_size" env:"CACHE_MAXIMUM_SIZE"`
	ExpireAfterWrite time.Duration `yaml:"expire_after_write" env:"CACHE_EXPIRE_AFTER_WRITE"`
	RunningTrialTTL  time.Duration `yaml:"running_trial_ttl" env:"CACHE_RUNNING_TRIAL_TTL"`
	SweepInterval    time.Duration `yaml:"sweep_interval" env:"CACHE_SWEEP_INTERVAL"`

	RedisURL      string `yaml:"redis_url" env:"CACHE_REDIS_URL"`
	RedisPassword string `yaml:"redis_password" env:"CACHE_REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"CACHE_REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"CACHE_REDIS_PREFIX"`

	NATSURL     string `yaml:"nats_url" env:"CACHE_NATS_URL"`
	NATSSubject string `yaml:"nats_subject" env:"CACHE_NATS_SUBJECT"`
}

type BuilderConfig struct {
	Workers      int           `yaml:"workers" env:"BUILDER_WORKERS"`
	QueryTimeout time.Duration `yaml:"query_timeout" env:"BUILDER_QUERY_TIMEOUT"`
}

type ReplayConfig struct {
	DefaultRate      float64 `yaml:"default_rate" env:"REPLAY_DEFAULT_RATE"`
	TopicPrefix      string  `yaml:"topic_prefix" env:"REPLAY_TOPIC_PREFIX"`
	SubscriberBuffer int     `yaml:"subscriber_buffer" env:"REPLAY_SUBSCRIBER_BUFFER"`
}

type TimeSeriesConfig struct {
	Driver      string `yaml:"driver" env:"TIMESERIES_DRIVER"` // mysql | sqlite | badger | memory
	DSN         string `yaml:"dsn" env:"TIMESERIES_DSN"`
	TablePrefix string `yaml:"table_prefix" env:"TIMESERIES_TABLE_PREFIX"`
	BadgerPath  string `yaml:"badger_path" env:"TIMESERIES_BADGER_PATH"`
}

type CatalogConfig struct {
	Driver        string `yaml:"driver" env:"CATALOG_DRIVER"` // mysql | sqlite | mongo | memory
	DSN           string `yaml:"dsn" env:"CATALOG_DSN"`
	MongoURI      string `yaml:"mongo_uri" env:"CATALOG_MONGO_URI"`
	MongoDatabase string `yaml:"mongo_database" env:"CATALOG_MONGO_DATABASE"`
}

type BroadcastConfig struct {
	NATSURL       string        `yaml:"nats_url" env:"BROADCAST_NATS_URL"`
	SubjectPrefix string        `yaml:"subject_prefix" env:"BROADCAST_SUBJECT_PREFIX"`
	Stream        string        `yaml:"stream" env:"BROADCAST_NATS_STREAM"` // пусто = без JetStream
	Retention     time.Duration `yaml:"retention" env:"BROADCAST_NATS_RETENTION"`
	StatsInterval time.Duration `yaml:"stats_interval" env:"BROADCAST_STATS_INTERVAL"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"TELEMETRY_ENABLED"`
	ServiceName string  `yaml:"service_name" env:"TELEMETRY_SERVICE_NAME"`
	Endpoint    string  `yaml:"endpoint" env:"TELEMETRY_ENDPOINT"` // host:port OTLP/HTTP, пусто = localhost:4318
	SampleRatio float64 `yaml:"sample_ratio" env:"TELEMETRY_SAMPLE_RATIO"`
}

// NotifyConfig исходящие webhook-уведомления о жизненном цикле сессий.
type NotifyConfig struct {
	ServerID   string          `yaml:"server_id" env:"NOTIFY_SERVER_ID"`
	Timeout    time.Duration   `yaml:"timeout" env:"NOTIFY_TIMEOUT"`
	RetryCount int             `yaml:"retry_count" env:"NOTIFY_RETRY_COUNT"`
	Webhooks   []WebhookTarget `yaml:"webhooks"`
}

// WebhookTarget получатель уведомлений. Пустой Events = все события.
type WebhookTarget struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

// Default возвращает конфигурацию со значениями по умолчанию.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults заполняет незаданные поля.
func (c *Config) ApplyDefaults() {
	if c.Server.RESTPort == 0 {
		c.Server.RESTPort = 8088
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 2112
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.MaximumSize == 0 {
		c.Cache.MaximumSize = 1000
	}
	if c.Cache.ExpireAfterWrite == 0 {
		c.Cache.ExpireAfterWrite = 30 * time.Minute
	}
	if c.Cache.RunningTrialTTL == 0 {
		c.Cache.RunningTrialTTL = 10 * time.Second
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = 30 * time.Second
	}
	if c.Cache.RedisPrefix == "" {
		c.Cache.RedisPrefix = "trial:history:"
	}
	if c.Cache.NATSSubject == "" {
		c.Cache.NATSSubject = "trial.history.invalidation"
	}

	if c.Builder.Workers == 0 {
		c.Builder.Workers = 100
	}
	if c.Builder.QueryTimeout == 0 {
		c.Builder.QueryTimeout = 30 * time.Second
	}

	if c.Replay.DefaultRate <= 0 {
		c.Replay.DefaultRate = 1.0
	}
	if c.Replay.TopicPrefix == "" {
		c.Replay.TopicPrefix = "trial.history"
	}
	if c.Replay.SubscriberBuffer == 0 {
		c.Replay.SubscriberBuffer = 256
	}

	if c.TimeSeries.Driver == "" {
		c.TimeSeries.Driver = "memory"
	}
	if c.TimeSeries.TablePrefix == "" {
		c.TimeSeries.TablePrefix = "sensor_data_"
	}
	if c.TimeSeries.BadgerPath == "" {
		c.TimeSeries.BadgerPath = "data/timeseries"
	}

	if c.Catalog.Driver == "" {
		c.Catalog.Driver = "memory"
	}
	if c.Catalog.MongoDatabase == "" {
		c.Catalog.MongoDatabase = "digitaltwin"
	}

	if c.Broadcast.SubjectPrefix == "" {
		c.Broadcast.SubjectPrefix = c.Replay.TopicPrefix
	}
	if c.Broadcast.StatsInterval == 0 {
		c.Broadcast.StatsInterval = 5 * time.Second
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "trial-replay"
	}
	if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
		c.Telemetry.SampleRatio = 1
	}

	if c.Notify.ServerID == "" {
		c.Notify.ServerID = c.Telemetry.ServiceName
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 10 * time.Second
	}
	if c.Notify.RetryCount == 0 {
		c.Notify.RetryCount = 3
	}
}

// Validate проверяет согласованность настроек.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisURL == "" {
		return fmt.Errorf("cache.redis_url is required for redis backend")
	}
	if c.Cache.MaximumSize < 0 {
		return fmt.Errorf("cache.maximum_size must be positive, got %d", c.Cache.MaximumSize)
	}
	if c.Builder.Workers < 1 {
		return fmt.Errorf("builder.workers must be >= 1, got %d", c.Builder.Workers)
	}

	switch c.TimeSeries.Driver {
	case "memory", "badger":
	case "mysql", "sqlite":
		if c.TimeSeries.DSN == "" {
			return fmt.Errorf("timeseries.dsn is required for %s driver", c.TimeSeries.Driver)
		}
	default:
		return fmt.Errorf("unknown timeseries driver %q", c.TimeSeries.Driver)
	}

	switch c.Catalog.Driver {
	case "memory":
	case "mysql", "sqlite":
		if c.Catalog.DSN == "" {
			return fmt.Errorf("catalog.dsn is required for %s driver", c.Catalog.Driver)
		}
	case "mongo":
		if c.Catalog.MongoURI == "" {
			return fmt.Errorf("catalog.mongo_uri is required for mongo driver")
		}
	default:
		return fmt.Errorf("unknown catalog driver %q", c.Catalog.Driver)
	}

	for i, wh := range c.Notify.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("notify.webhooks[%d]: url is required", i)
		}
	}
	return nil
}

// RESTAddr адрес REST API вида ":8088".
func (c *Config) RESTAddr() string {
	return ":" + strconv.Itoa(c.Server.RESTPort)
}

// MetricsAddr адрес отдельного Prometheus эндпоинта.
func (c *Config) MetricsAddr() string {
	return ":" + strconv.Itoa(c.Server.MetricsPort)
}

// Load читает YAML файл конфигурации и накладывает переменные окружения.
// Если path == "", берётся ENV REPLAY_CONFIG; без файла используются дефолты.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("REPLAY_CONFIG")
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
