package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	// StorageDriverMemory хранит всё в памяти процесса.
	StorageDriverMemory = "memory"
	// StorageDriverPostgres использует PostgreSQL.
	StorageDriverPostgres = "postgres"
	// CatalogDriverMongo держит каталог в MongoDB.
	CatalogDriverMongo = "mongo"

	envPrefix      = "STOREFRONT"
	configFileName = "storefront"
)

// Config описывает настройки запуска приложения. Значения плоские, чтобы Config оставался comparable.
type Config struct {
	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string

	LogLevel  string
	LogFormat string

	StorageDriver       string
	CatalogDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int
	MongoURI            string
	MongoDatabase       string

	KafkaBrokers        string
	KafkaOrderTopic     string
	KafkaInventoryTopic string
	KafkaDLQTopic       string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int
	OutboxRetention    time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int
	IdempotencyTTL              time.Duration

	JWTSecret string
	JWTIssuer string

	PriceOverride string
	ReturnWindow  time.Duration
	BulkWorkers   int

	SeedDemo bool
}

// DefaultConfig возвращает настройки по умолчанию без чтения окружения.
func DefaultConfig() Config {
	engine := orders.DefaultConfig()
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		PostgresMaxConns:    25,
		MongoDatabase:       "storefront",

		KafkaOrderTopic:     kafka.TopicOrderEvents,
		KafkaInventoryTopic: kafka.TopicInventoryEvents,
		KafkaDLQTopic:       kafka.TopicDeadLetterQueue,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   50 * time.Millisecond,
		OutboxMaxPending:   1000,
		OutboxRetention:    72 * time.Hour,

		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyTTL:              24 * time.Hour,

		JWTSecret: "dev-secret-change-me",
		JWTIssuer: "storefront",

		PriceOverride: string(engine.PriceOverride),
		ReturnWindow:  engine.ReturnWindow,
		BulkWorkers:   engine.BulkWorkers,
	}
}

// NewViper создаёт viper с дефолтами, переменными STOREFRONT_* и необязательным storefront.yaml.
func NewViper() *viper.Viper {
	d := DefaultConfig()
	v := viper.New()

	v.SetDefault("http.addr", d.HTTPAddr)
	v.SetDefault("grpc.addr", d.GRPCAddr)
	v.SetDefault("metrics.addr", d.MetricsAddr)
	v.SetDefault("log.level", d.LogLevel)
	v.SetDefault("log.format", d.LogFormat)
	v.SetDefault("storage.driver", d.StorageDriver)
	v.SetDefault("catalog.driver", d.CatalogDriver)
	v.SetDefault("postgres.dsn", d.PostgresDSN)
	v.SetDefault("postgres.auto_migrate", d.PostgresAutoMigrate)
	v.SetDefault("postgres.max_open_conns", d.PostgresMaxConns)
	v.SetDefault("mongo.uri", d.MongoURI)
	v.SetDefault("mongo.database", d.MongoDatabase)
	v.SetDefault("kafka.brokers", d.KafkaBrokers)
	v.SetDefault("kafka.order_topic", d.KafkaOrderTopic)
	v.SetDefault("kafka.inventory_topic", d.KafkaInventoryTopic)
	v.SetDefault("kafka.dlq_topic", d.KafkaDLQTopic)
	v.SetDefault("outbox.poll_interval", d.OutboxPollInterval)
	v.SetDefault("outbox.batch_size", d.OutboxBatchSize)
	v.SetDefault("outbox.max_attempts", d.OutboxMaxAttempts)
	v.SetDefault("outbox.retry_delay", d.OutboxRetryDelay)
	v.SetDefault("outbox.max_pending", d.OutboxMaxPending)
	v.SetDefault("outbox.retention", d.OutboxRetention)
	v.SetDefault("idempotency.cleanup_interval", d.IdempotencyCleanupInterval)
	v.SetDefault("idempotency.cleanup_batch_size", d.IdempotencyCleanupBatchSize)
	v.SetDefault("idempotency.ttl", d.IdempotencyTTL)
	v.SetDefault("auth.jwt_secret", d.JWTSecret)
	v.SetDefault("auth.issuer", d.JWTIssuer)
	v.SetDefault("orders.price_override", d.PriceOverride)
	v.SetDefault("orders.return_window", d.ReturnWindow)
	v.SetDefault("orders.bulk_workers", d.BulkWorkers)
	v.SetDefault("seed.demo", d.SeedDemo)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName(configFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	return v
}

// LoadConfig читает конфигурацию из viper. Некорректные значения заменяются дефолтами,
// о каждой замене возвращается предупреждение.
func LoadConfig(v *viper.Viper) (Config, []string, error) {
	if v == nil {
		v = NewViper()
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, nil, fmt.Errorf("read config file: %w", err)
		}
	}

	d := DefaultConfig()
	r := reader{v: v}
	cfg := Config{
		HTTPAddr:    r.str("http.addr"),
		GRPCAddr:    r.str("grpc.addr"),
		MetricsAddr: r.str("metrics.addr"),

		LogLevel:  strings.ToLower(r.str("log.level")),
		LogFormat: strings.ToLower(r.str("log.format")),

		StorageDriver:       strings.ToLower(r.str("storage.driver")),
		CatalogDriver:       strings.ToLower(r.str("catalog.driver")),
		PostgresDSN:         r.str("postgres.dsn"),
		PostgresAutoMigrate: r.boolean("postgres.auto_migrate", d.PostgresAutoMigrate),
		PostgresMaxConns:    r.integer("postgres.max_open_conns", d.PostgresMaxConns, false),
		MongoURI:            r.str("mongo.uri"),
		MongoDatabase:       r.str("mongo.database"),

		KafkaBrokers:        r.str("kafka.brokers"),
		KafkaOrderTopic:     r.str("kafka.order_topic"),
		KafkaInventoryTopic: r.str("kafka.inventory_topic"),
		KafkaDLQTopic:       r.str("kafka.dlq_topic"),

		OutboxPollInterval: r.duration("outbox.poll_interval", d.OutboxPollInterval, false),
		OutboxBatchSize:    r.integer("outbox.batch_size", d.OutboxBatchSize, false),
		OutboxMaxAttempts:  r.integer("outbox.max_attempts", d.OutboxMaxAttempts, false),
		OutboxRetryDelay:   r.duration("outbox.retry_delay", d.OutboxRetryDelay, true),
		OutboxMaxPending:   r.integer("outbox.max_pending", d.OutboxMaxPending, true),
		OutboxRetention:    r.duration("outbox.retention", d.OutboxRetention, true),

		IdempotencyCleanupInterval:  r.duration("idempotency.cleanup_interval", d.IdempotencyCleanupInterval, false),
		IdempotencyCleanupBatchSize: r.integer("idempotency.cleanup_batch_size", d.IdempotencyCleanupBatchSize, false),
		IdempotencyTTL:              r.duration("idempotency.ttl", d.IdempotencyTTL, false),

		JWTSecret: r.str("auth.jwt_secret"),
		JWTIssuer: r.str("auth.issuer"),

		PriceOverride: strings.ToLower(r.str("orders.price_override")),
		ReturnWindow:  r.duration("orders.return_window", d.ReturnWindow, false),
		BulkWorkers:   r.integer("orders.bulk_workers", d.BulkWorkers, false),

		SeedDemo: r.boolean("seed.demo", d.SeedDemo),
	}
	return cfg, r.warnings, nil
}

// Validate проверяет согласованность настроек перед запуском.
func (c Config) Validate() error {
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return errors.New("postgres dsn is required for postgres storage driver")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %q", c.StorageDriver)
	}

	switch c.catalogDriver() {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.StorageDriver != StorageDriverPostgres {
			return errors.New("postgres catalog requires postgres storage driver")
		}
	case CatalogDriverMongo:
		if strings.TrimSpace(c.MongoURI) == "" {
			return errors.New("mongo uri is required for mongo catalog driver")
		}
	default:
		return fmt.Errorf("unsupported catalog driver: %q", c.CatalogDriver)
	}

	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("jwt secret is required")
	}
	if c.PriceOverride != "" && !orders.PriceOverridePolicy(c.PriceOverride).Valid() {
		return fmt.Errorf("unsupported price override policy: %q", c.PriceOverride)
	}
	return nil
}

// catalogDriver по умолчанию совпадает с драйвером хранилища заказов.
func (c Config) catalogDriver() string {
	if c.CatalogDriver == "" {
		return c.StorageDriver
	}
	return c.CatalogDriver
}

// engineConfig переводит настройки в конфигурацию движка заказов.
func (c Config) engineConfig() orders.Config {
	cfg := orders.DefaultConfig()
	if c.PriceOverride != "" {
		cfg.PriceOverride = orders.PriceOverridePolicy(c.PriceOverride)
	}
	if c.ReturnWindow > 0 {
		cfg.ReturnWindow = c.ReturnWindow
	}
	if c.BulkWorkers > 0 {
		cfg.BulkWorkers = c.BulkWorkers
	}
	return cfg
}

// reader разбирает значения viper и копит предупреждения о невалидных.
type reader struct {
	v        *viper.Viper
	warnings []string
}

func (r *reader) str(key string) string {
	return strings.TrimSpace(r.v.GetString(key))
}

func (r *reader) warn(key string, raw interface{}, fallback interface{}) {
	r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%v, using default %v", key, raw, fallback))
}

func (r *reader) boolean(key string, fallback bool) bool {
	raw := r.v.Get(key)
	value, err := cast.ToBoolE(raw)
	if err != nil {
		r.warn(key, raw, fallback)
		return fallback
	}
	return value
}

// integer принимает только положительные значения; allowZero разрешает 0.
func (r *reader) integer(key string, fallback int, allowZero bool) int {
	raw := r.v.Get(key)
	value, err := cast.ToIntE(raw)
	if err != nil || value < 0 || (value == 0 && !allowZero) {
		r.warn(key, raw, fallback)
		return fallback
	}
	return value
}

func (r *reader) duration(key string, fallback time.Duration, allowZero bool) time.Duration {
	raw := r.v.Get(key)
	value, err := cast.ToDurationE(raw)
	if err != nil || value < 0 || (value == 0 && !allowZero) {
		r.warn(key, raw, fallback)
		return fallback
	}
	return value
}
