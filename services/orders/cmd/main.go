// Orders Service — сторона gateway и проекции в одном процессе:
// HTTP API запуска и наблюдения саг, проектор saga_status,
// live-стримы и Outbox Publisher.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/order-platform/pkg/authn"
	"example.com/order-platform/pkg/config"
	"example.com/order-platform/pkg/db"
	"example.com/order-platform/pkg/kafka"
	"example.com/order-platform/pkg/logger"
	"example.com/order-platform/pkg/metrics"
	"example.com/order-platform/pkg/outbox"
	"example.com/order-platform/pkg/tracing"

	"example.com/order-platform/services/orders/internal/facade"
	"example.com/order-platform/services/orders/internal/handler"
	"example.com/order-platform/services/orders/internal/live"
	"example.com/order-platform/services/orders/internal/projector"
	"example.com/order-platform/services/orders/internal/status"
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

	log := logger.With().Str("service", "orders-service").Logger()

	log.Info().
		Str("env", cfg.App.Env).
		Int("port", cfg.HTTP.Port).
		Msg("Запуск Orders Service")

	// Tracing (Jaeger OTLP)
	tracingShutdown, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "orders-service",
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

	// Kafka producer для Outbox Publisher
	producer, err := kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka producer")
	}

	// JWT верификация
	verifier, err := authn.NewVerifier(authn.Config{
		PublicKeyPath: cfg.JWT.PublicKeyPath,
		Issuer:        cfg.JWT.Issuer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания JWT верификатора")
	}

	// Слои приложения
	statusStore := status.NewStore(gormDB)
	outboxStore := outbox.NewStore(gormDB)
	liveBus := live.NewBus(live.Config{
		IdleTTL:          cfg.Live.IdleTTL,
		EvictionInterval: cfg.Live.EvictionInterval,
	})
	sagaFacade := facade.New(statusStore, outboxStore, liveBus)
	statusProjector := projector.New(statusStore, liveBus)
	publisher := outbox.NewPublisher(outboxStore, producer, cfg.Outbox, "orders")

	// Kafka consumer проектора
	consumer, err := kafka.NewConsumer(
		kafka.Config{Brokers: cfg.Kafka.Brokers},
		cfg.Outbox.EventsTopic,
		"orders-projector",
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка создания Kafka consumer")
	}
	consumer.SetDLQProducer(producer)

	// HTTP API
	sagaHandler := handler.NewSagaHandler(sagaFacade, statusStore, liveBus)
	router := handler.NewRouter(handler.RouterConfig{
		SagaHandler: sagaHandler,
		Verifier:    verifier,
		Debug:       cfg.IsDevelopment(),
	})
	httpServer := handler.NewHTTPServer(cfg.HTTP.Addr(), router)

	// Metrics + health endpoints
	metricsServer := metrics.NewServer(cfg.Metrics.Addr(), "orders-service",
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
		liveBus.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Consume(ctx, statusProjector.Handle); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Проектор остановился с ошибкой")
		}
	}()

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr()).Msg("HTTP сервер запущен")
		if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
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

	if err := handler.Shutdown(shutdownCtx, httpServer); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	wg.Wait()

	if err := consumer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka consumer")
	}
	if err := producer.Close(); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия Kafka producer")
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

	log.Info().Msg("Orders Service остановлен")
}
