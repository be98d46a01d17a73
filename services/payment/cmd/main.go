// Payment Service — платёжная машина состояний: слушает команды саги,
// авторизует и списывает средства у провайдера, ведёт двойную
// бухгалтерскую запись и принимает webhook'и провайдера.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/order-platform/pkg/config"
	"example.com/order-platform/pkg/db"
	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/metrics"
	"example.com/order-platform/pkg/outbox"
	"example.com/order-platform/pkg/tracing"

	"example.com/order-platform/services/payment/internal/idempotency"
	"example.com/order-platform/services/payment/internal/ledger"
	"example.com/order-platform/services/payment/internal/provider"
	"example.com/order-platform/services/payment/internal/repository"
	"example.com/order-platform/services/payment/internal/saga"
	"example.com/order-platform/services/payment/internal/service"
	"example.com/order-platform/services/payment/internal/webhook"
)

func main() {
	// Загружаем конфигурацию
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	// Инициализируем логгер
	logger.Init(logger.Config{
		Level:  cfg.App.LogLevel,
		Pretty: cfg.App.LogPretty,
	})

	log := logger.With().Str("service", "payment-service").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Str("provider", cfg.Provider.Name).
		Msg("Запуск Payment Service")

	// Tracing (Jaeger OTLP)
	tracingShutdown, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "payment-service",
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации tracing")
	}

	// Подключаемся к PostgreSQL
	gormDB, err := db.ConnectPostgres(cfg.Postgres, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к PostgreSQL")
	}
	log.Info().Msg("Подключение к PostgreSQL установлено")

	// Redis для быстрого фильтра идемпотентности
	redisClient := db.ConnectRedis(cfg.Redis)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		// Не фатально: идемпотентность работает и через одну БД.
		log.Warn().Err(err).Msg("Redis недоступен, идемпотентность только через PostgreSQL")
	}

	// Kafka producer для Outbox Publisher
	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka producer")
	}

	// Платёжный провайдер под защитой Circuit Breaker
	var adapter provider.Adapter
	switch cfg.Provider.Name {
	case "stripe":
		adapter = provider.NewStripe(cfg.Provider.StripeSecretKey)
	default:
		adapter = provider.NewSimulated()
	}
	guarded := provider.NewGuarded(adapter, cfg.Provider.ReadTimeout)

	// Слои приложения
	paymentStore := repository.NewPaymentStore(gormDB)
	outboxStore := outbox.NewStore(gormDB)
	books := ledger.New()
	stateMachine := service.New(paymentStore, books, guarded, outboxStore)
	guard := idempotency.New(gormDB, redisClient)
	publisher := outbox.NewPublisher(outboxStore, producer, cfg.Outbox, "payment")

	// Kafka consumer команд саги
	consumer, err := kafka.NewConsumer(
		kafka.Config{Brokers: cfg.Kafka.Brokers},
		cfg.Outbox.EventsTopic,
		"payment-service",
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka consumer")
	}
	consumer.SetDLQProducer(producer)

	commandHandler := saga.NewHandler(stateMachine, paymentStore, guard)

	// HTTP: webhook'и провайдера
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	webhookHandler := webhook.NewHandler(stateMachine, paymentStore, guarded.Name(), cfg.Provider.WebhookSecret)
	webhookHandler.Register(router)

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Metrics + health endpoints
	metricsServer := metrics.NewServer(cfg.Metrics.Addr(), "payment-service",
		metrics.WithReadinessCheck(func(ctx context.Context) error {
			sqlDB, err := gormDB.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
	)

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	var wg sync.WaitGroup

	// Фоновые компоненты
	wg.Add(1)
	go func() {
		defer wg.Done()
		publisher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		stateMachine.RunRecovery(ctx, cfg.Payment.RecoveryInterval, cfg.Payment.StuckAfter, cfg.Payment.RecoveryBatch)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.ConsumeWithRetry(ctx, commandHandler.Handle, cfg.Kafka.HandlerRetries); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Обработчик команд остановился с ошибкой")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер webhook'ов запущен")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка metrics сервера")
			}
		}()
	}

	// Ожидаем сигнал завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервис...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	wg.Wait()

	if err := consumer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka consumer")
	}
	if err := producer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka producer")
	}
	if err := redisClient.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Redis")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки metrics сервера")
	}
	if sqlDB, err := gormDB.DB(); err == nil && sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия PostgreSQL")
		}
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка завершения tracing")
	}

	log.Info().Msg("Payment Service остановлен")
}
