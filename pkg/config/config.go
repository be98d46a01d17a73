// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	JWT      JWTConfig
	Outbox   OutboxConfig
	Live     LiveConfig
	Provider ProviderConfig
	Payment  PaymentConfig
	Jaeger   JaegerConfig
	Metrics  MetricsConfig
	HTTP     HTTPConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"order-platform"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// PostgresConfig содержит настройки подключения к PostgreSQL.
type PostgresConfig struct {
	Host            string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port            int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User            string        `env:"POSTGRES_USER" envDefault:"postgres"`
	Password        string        `env:"POSTGRES_PASSWORD" envDefault:"postgres"`
	Database        string        `env:"POSTGRES_DATABASE" envDefault:"order_platform"`
	SSLMode         string        `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"POSTGRES_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" envDefault:"5m"`
}

// DSN возвращает строку подключения к PostgreSQL.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
type KafkaConfig struct {
	Brokers       []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	ConsumerGroup string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"order-platform"`
	// HandlerRetries — число повторов обработки сообщения до отправки
	// в DLQ. Повторы спасают от транзиентных сбоев (БД, провайдер).
	HandlerRetries int `env:"KAFKA_HANDLER_RETRIES" envDefault:"5"`
}

// JWTConfig содержит настройки верификации JWT токенов (RS256).
// Ядро только проверяет токены — выдача вне зоны ответственности.
type JWTConfig struct {
	PublicKeyPath string `env:"JWT_PUBLIC_KEY_PATH"`                  // Путь к публичному ключу (PEM)
	Issuer        string `env:"JWT_ISSUER" envDefault:"order-platform"` // Ожидаемый издатель токена
}

// OutboxConfig содержит настройки Outbox Publisher.
type OutboxConfig struct {
	// PollInterval — задержка между тиками публикации.
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"500ms"`

	// BatchSize — максимум строк, забираемых на тенанта за тик.
	BatchSize int `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`

	// LeaseDuration — срок аренды на забранные строки.
	LeaseDuration time.Duration `env:"OUTBOX_LEASE_DURATION" envDefault:"30s"`

	// BaseBackoff — начальная задержка повтора при ошибке публикации.
	BaseBackoff time.Duration `env:"OUTBOX_BASE_BACKOFF" envDefault:"5s"`

	// MaxBackoff — потолок задержки повтора.
	MaxBackoff time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"2m"`

	// MaxConcurrentTenants — параллелизм обработки тенантов.
	MaxConcurrentTenants int `env:"OUTBOX_MAX_CONCURRENT_TENANTS" envDefault:"4"`

	// EventsTopic — Kafka топик для доменных событий.
	EventsTopic string `env:"OUTBOX_EVENTS_TOPIC" envDefault:"saga.events"`

	// Tenants — статический список тенантов. Пустой список означает
	// автоматическое обнаружение тенантов по таблице outbox.
	Tenants []string `env:"OUTBOX_TENANTS" envSeparator:","`

	// MaxAttempts — после этого числа неудачных публикаций строка
	// паркуется (dead letter) и требует ручного вмешательства.
	MaxAttempts int `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"50"`

	// PartitionDays — на сколько дней вперёд создавать партиции таблицы outbox.
	PartitionDays int `env:"OUTBOX_PARTITION_DAYS" envDefault:"7"`
}

// LiveConfig содержит настройки LiveStatusBus.
type LiveConfig struct {
	// IdleTTL — срок простоя слота без подписчиков до вытеснения.
	IdleTTL time.Duration `env:"LIVE_IDLE_TTL" envDefault:"15m"`

	// EvictionInterval — период фонового сканирования на вытеснение.
	EvictionInterval time.Duration `env:"LIVE_EVICTION_INTERVAL" envDefault:"5m"`
}

// ProviderConfig содержит настройки платёжного провайдера.
type ProviderConfig struct {
	// Name — активный адаптер: "stripe" или "simulated".
	Name string `env:"PROVIDER_NAME" envDefault:"simulated"`

	// ReadTimeout — таймаут вызова провайдера.
	ReadTimeout time.Duration `env:"PROVIDER_READ_TIMEOUT" envDefault:"15s"`

	// StripeSecretKey — секретный ключ Stripe API.
	StripeSecretKey string `env:"STRIPE_SECRET_KEY"`

	// WebhookSecret — секрет для проверки HMAC подписи webhook'ов.
	WebhookSecret string `env:"PROVIDER_WEBHOOK_SECRET"`
}

// PaymentConfig содержит настройки Payment Service.
type PaymentConfig struct {
	// StuckAfter — возраст платежа в AUTHORIZING, после которого он
	// считается зависшим и добивается в FAILED.
	StuckAfter time.Duration `env:"PAYMENT_STUCK_AFTER" envDefault:"10m"`

	// RecoveryInterval — период сканирования зависших платежей.
	RecoveryInterval time.Duration `env:"PAYMENT_RECOVERY_INTERVAL" envDefault:"1m"`

	// RecoveryBatch — максимум платежей, обрабатываемых за проход.
	RecoveryBatch int `env:"PAYMENT_RECOVERY_BATCH" envDefault:"100"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"false"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"` // Включить metrics endpoint
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`    // Порт для /metrics
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HTTPConfig содержит настройки HTTP сервера.
type HTTPConfig struct {
	Port int `env:"HTTP_PORT" envDefault:"8080"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	return cfg, nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
